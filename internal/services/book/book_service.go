package book

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/guard"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

// Размер страницы каталога по умолчанию
const defaultPageLimit = 20

// BookService представляет сервис для работы с книгами
type BookService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	pool       db.DB
}

// NewBookService создает новый экземпляр BookService
func NewBookService(cfg *config.Config) *BookService {
	return &BookService{
		cfg:        cfg,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
		pool:       db.Pool,
	}
}

// CreateBook добавляет книгу пользователя
func (s *BookService) CreateBook(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	var requestData bookPayload
	if err := c.Bind().Body(&requestData); err != nil {
		log.Printf("Ошибка декодирования тела запроса: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	requestData.trim()
	if requestData.Title == "" || requestData.Author == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Название и автор обязательны"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	bookID := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO books (id, user_id, title, author, isbn, publication_year, condition, description,
		                   publisher, genre, cover_type, available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, NOW(), NOW())`,
		bookID, userID, requestData.Title, requestData.Author, requestData.ISBN, requestData.PublicationYear,
		requestData.Condition, requestData.Description, requestData.Publisher, requestData.Genre, requestData.CoverType)
	if err != nil {
		log.Printf("Ошибка создания книги: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка создания книги"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"book_id": bookID,
	})
}

// GetBooks возвращает каталог доступных книг с поиском и пагинацией
func (s *BookService) GetBooks(c fiber.Ctx) error {
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный параметр limit"})
		}
		limit = parsed
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный параметр offset"})
		}
		offset = parsed
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	query := `
		SELECT id, user_id, title, author, isbn, publication_year, condition, description,
		       publisher, genre, cover_type, available, created_at, updated_at
		FROM books
		WHERE available = true`
	args := []any{}
	idx := 1

	if search := strings.TrimSpace(c.Query("query")); search != "" {
		query += ` AND (title ILIKE $` + strconv.Itoa(idx) + ` OR author ILIKE $` + strconv.Itoa(idx) + `)`
		args = append(args, "%"+search+"%")
		idx++
	}
	if genre := strings.TrimSpace(c.Query("genre")); genre != "" {
		query += ` AND genre = $` + strconv.Itoa(idx)
		args = append(args, genre)
		idx++
	}

	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, limit+1, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		log.Printf("Ошибка запроса книг: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения книг"})
	}
	defer rows.Close()

	books, err := scanBooks(rows)
	if err != nil {
		log.Printf("Ошибка чтения книг: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения книг"})
	}

	hasMore := len(books) > limit
	if hasMore {
		books = books[:limit]
	}

	for i := range books {
		if owner, err := s.getUserInfo(ctx, books[i].UserID); err == nil {
			books[i].Owner = owner
		}
	}

	return c.JSON(fiber.Map{
		"books":    books,
		"has_more": hasMore,
	})
}

// GetMyBooks возвращает книги пользователя со счетчиком ожидающих заявок
func (s *BookService) GetMyBooks(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.user_id, b.title, b.author, b.isbn, b.publication_year, b.condition, b.description,
		       b.publisher, b.genre, b.cover_type, b.available, b.created_at, b.updated_at,
		       (SELECT COUNT(*) FROM exchange_requests r WHERE r.desired_book_id = b.id AND r.state = $2)
		FROM books b
		WHERE b.user_id = $1
		ORDER BY b.created_at DESC`, userID, models.RequestStatePending)
	if err != nil {
		log.Printf("Ошибка запроса книг пользователя: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения книг"})
	}
	defer rows.Close()

	type ownedBook struct {
		models.Book
		PendingRequests int `json:"pending_requests"`
	}

	books := []ownedBook{}
	for rows.Next() {
		var b ownedBook
		err = rows.Scan(&b.ID, &b.UserID, &b.Title, &b.Author, &b.ISBN, &b.PublicationYear, &b.Condition,
			&b.Description, &b.Publisher, &b.Genre, &b.CoverType, &b.Available, &b.CreatedAt, &b.UpdatedAt,
			&b.PendingRequests)
		if err != nil {
			log.Printf("Ошибка чтения книги: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения книг"})
		}
		books = append(books, b)
	}

	return c.JSON(fiber.Map{"books": books, "count": len(books)})
}

// GetBook возвращает книгу с информацией о владельце
func (s *BookService) GetBook(c fiber.Ctx) error {
	bookID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID книги"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	book, err := s.getBook(ctx, bookID)
	if err != nil {
		return s.respondError(c, err)
	}

	if owner, err := s.getUserInfo(ctx, book.UserID); err == nil {
		book.Owner = owner
	}

	// Бронь активным обменом выводится из exchanges, а не из available
	locked, err := guard.Locked(ctx, s.pool, bookID)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"book":   book,
		"locked": locked,
	})
}

// UpdateBook редактирует книгу владельца
func (s *BookService) UpdateBook(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	bookID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID книги"})
	}

	var requestData bookUpdatePayload
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	book, err := s.updateBook(ctx, userID, bookID, &requestData)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"book":    book,
	})
}

// DeleteBook удаляет книгу владельца, закрывая связанные заявки и обмены
func (s *BookService) DeleteBook(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	bookID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID книги"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.deleteBook(ctx, userID, bookID); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// respondError преобразует ошибку сервиса в HTTP ответ
func (s *BookService) respondError(c fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		log.Printf("Внутренняя ошибка: %v", err)
		return c.Status(status).JSON(fiber.Map{"error": "Внутренняя ошибка сервера"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func callerID(c fiber.Ctx) (uuid.UUID, error) {
	userID, ok := c.Locals("userID").(string)
	if !ok || userID == "" {
		return uuid.Nil, apperr.New(apperr.ErrPermissionDenied, "Пользователь не авторизован")
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.ErrValidation, "Неверный формат ID пользователя")
	}
	return id, nil
}

// getUserInfo возвращает краткую информацию о пользователе
func (s *BookService) getUserInfo(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, first_name, last_name, avatar_url
		FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.AvatarURL)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
