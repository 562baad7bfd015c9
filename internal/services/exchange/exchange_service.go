package exchange

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
	"github.com/rajivgeraev/bookswap-api/internal/websocket"
)

// ExchangeService представляет сервис для работы с заявками и обменами
type ExchangeService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	pool       db.DB
	notifier   *websocket.Manager
}

// NewExchangeService создает новый экземпляр ExchangeService
func NewExchangeService(cfg *config.Config, notifier *websocket.Manager) *ExchangeService {
	return &ExchangeService{
		cfg:        cfg,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
		pool:       db.Pool,
		notifier:   notifier,
	}
}

// CreateRequest создает новую заявку на обмен
func (s *ExchangeService) CreateRequest(c fiber.Ctx) error {
	requesterID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	var requestData struct {
		DesiredBookID  string   `json:"desired_book_id"`
		OfferedBookIDs []string `json:"offered_book_ids"`
	}

	if err := c.Bind().Body(&requestData); err != nil {
		log.Printf("Ошибка декодирования тела запроса: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	desiredBookID, err := uuid.Parse(requestData.DesiredBookID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID запрашиваемой книги"})
	}

	offeredBookIDs := make([]uuid.UUID, 0, len(requestData.OfferedBookIDs))
	for _, raw := range requestData.OfferedBookIDs {
		offeredID, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID предложенной книги"})
		}
		offeredBookIDs = append(offeredBookIDs, offeredID)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	requestID, receiverID, err := s.createRequest(ctx, requesterID, desiredBookID, offeredBookIDs)
	if err != nil {
		return s.respondError(c, err)
	}

	s.notify([]uuid.UUID{receiverID}, websocket.Event{
		Type:   websocket.EventRequestCreated,
		UserID: requesterID.String(),
		Payload: mustJSON(fiber.Map{
			"request_id":      requestID.String(),
			"desired_book_id": desiredBookID.String(),
		}),
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"request_id": requestID,
	})
}

// AcceptRequest принимает заявку с выбранной книгой из предложенных
func (s *ExchangeService) AcceptRequest(c fiber.Ctx) error {
	receiverID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID заявки"})
	}

	var requestData struct {
		ChosenBookID string `json:"chosen_book_id"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	chosenBookID, err := uuid.Parse(requestData.ChosenBookID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID выбранной книги"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	result, err := s.acceptRequest(ctx, receiverID, requestID, chosenBookID)
	if err != nil {
		return s.respondError(c, err)
	}

	// Обеим сторонам сообщаем, что открылся чат по обмену
	s.notify([]uuid.UUID{result.RequesterID, result.ReceiverID}, websocket.Event{
		Type:       websocket.EventExchangeAccepted,
		ExchangeID: result.ExchangeID.String(),
		ChatID:     result.ConversationID.String(),
		Payload: mustJSON(fiber.Map{
			"request_id":   requestID.String(),
			"requester_id": result.RequesterID.String(),
			"receiver_id":  result.ReceiverID.String(),
		}),
	})

	return c.JSON(fiber.Map{
		"success":         true,
		"exchange_id":     result.ExchangeID,
		"conversation_id": result.ConversationID,
	})
}

// RejectRequest отклоняет ожидающую заявку
func (s *ExchangeService) RejectRequest(c fiber.Ctx) error {
	receiverID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID заявки"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.rejectRequest(ctx, receiverID, requestID); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// CancelRequest отменяет собственную ожидающую заявку
func (s *ExchangeService) CancelRequest(c fiber.Ctx) error {
	requesterID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID заявки"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.cancelRequest(ctx, requesterID, requestID); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// GetIncomingRequests возвращает заявки на книги пользователя
func (s *ExchangeService) GetIncomingRequests(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	requests, err := s.listRequests(ctx, "receiver_id", userID, c.Query("state"))
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"requests": requests, "count": len(requests)})
}

// GetOutgoingRequests возвращает заявки, отправленные пользователем
func (s *ExchangeService) GetOutgoingRequests(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	requests, err := s.listRequests(ctx, "requester_id", userID, c.Query("state"))
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"requests": requests, "count": len(requests)})
}

// GetRequest возвращает заявку со всеми деталями. Доступно только сторонам заявки
func (s *ExchangeService) GetRequest(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID заявки"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	request, err := s.getRequest(ctx, userID, requestID)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"request": request})
}

// GetBusyOfferedBooks возвращает ID книг пользователя, фигурирующих в его
// ожидающих заявках. Фронтенд помечает их занятыми при составлении новой заявки
func (s *ExchangeService) GetBusyOfferedBooks(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ro.offered_book_id
		FROM request_offers ro
		JOIN exchange_requests r ON r.id = ro.request_id
		WHERE r.requester_id = $1 AND r.state = $2`,
		userID, models.RequestStatePending)
	if err != nil {
		log.Printf("Ошибка запроса занятых книг: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения данных"})
	}
	defer rows.Close()

	bookIDs := []uuid.UUID{}
	for rows.Next() {
		var bookID uuid.UUID
		if err := rows.Scan(&bookID); err != nil {
			log.Printf("Ошибка чтения занятых книг: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения данных"})
		}
		bookIDs = append(bookIDs, bookID)
	}

	return c.JSON(fiber.Map{"book_ids": bookIDs})
}

// GetExchange возвращает обмен с деталями. Доступно только его участникам
func (s *ExchangeService) GetExchange(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	exchange, err := s.getExchange(ctx, userID, exchangeID)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"exchange": exchange})
}

// GetMyExchanges возвращает обмены пользователя, по умолчанию активные
func (s *ExchangeService) GetMyExchanges(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	exchanges, err := s.listExchanges(ctx, userID, c.Query("state", models.ExchangeStateAccepted))
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"exchanges": exchanges, "count": len(exchanges)})
}

// ProposeMeeting сохраняет предложенные место и время встречи
func (s *ExchangeService) ProposeMeeting(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	var requestData struct {
		Place string    `json:"place"`
		Time  time.Time `json:"time"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.proposeMeeting(ctx, userID, exchangeID, requestData.Place, requestData.Time); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// ConfirmMeeting подтверждает или отклоняет предложенную встречу
func (s *ExchangeService) ConfirmMeeting(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	var requestData struct {
		Confirm *bool `json:"confirm"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}
	if requestData.Confirm == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Необходимо указать решение по встрече"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.confirmMeeting(ctx, userID, exchangeID, *requestData.Confirm); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// GenerateCode выдает код подтверждения обмена
func (s *ExchangeService) GenerateCode(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	var requestData struct {
		Code string `json:"code"`
	}
	// Тело необязательно: без него код генерируется автоматически
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&requestData); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
		}
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	code, expiresAt, err := s.generateCode(ctx, userID, exchangeID, requestData.Code)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"code":       code,
		"expires_at": expiresAt,
	})
}

// CompleteExchange завершает обмен по коду подтверждения
func (s *ExchangeService) CompleteExchange(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	var requestData struct {
		Code string `json:"code"`
		Date string `json:"date"` // необязательная фактическая дата встречи, YYYY-MM-DD
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	completedAt := time.Now()
	if requestData.Date != "" {
		parsed, err := time.Parse("2006-01-02", requestData.Date)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат даты, ожидается YYYY-MM-DD"})
		}
		if parsed.After(time.Now()) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Дата завершения не может быть в будущем"})
		}
		completedAt = parsed
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	result, err := s.completeWithCode(ctx, userID, exchangeID, requestData.Code, completedAt)
	if err != nil {
		return s.respondError(c, err)
	}

	// После завершения обеим сторонам открывается оценка
	s.notify([]uuid.UUID{result.RequesterID, result.ReceiverID}, websocket.Event{
		Type:       websocket.EventExchangeCompleted,
		ExchangeID: exchangeID.String(),
	})

	return c.JSON(fiber.Map{"success": true})
}

// CancelExchange отменяет активный обмен
func (s *ExchangeService) CancelExchange(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	result, err := s.cancelExchange(ctx, userID, exchangeID)
	if err != nil {
		return s.respondError(c, err)
	}

	s.notify([]uuid.UUID{result.RequesterID, result.ReceiverID}, websocket.Event{
		Type:       websocket.EventExchangeCanceled,
		ExchangeID: exchangeID.String(),
		UserID:     userID.String(),
	})

	return c.JSON(fiber.Map{"success": true})
}

// notify рассылает событие, если WebSocket менеджер подключен
func (s *ExchangeService) notify(userIDs []uuid.UUID, event websocket.Event) {
	if s.notifier == nil {
		return
	}
	for _, id := range userIDs {
		s.notifier.SendToUser(id.String(), event)
	}
}

// respondError преобразует ошибку сервиса в HTTP ответ
func (s *ExchangeService) respondError(c fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		log.Printf("Внутренняя ошибка: %v", err)
		return c.Status(status).JSON(fiber.Map{"error": "Внутренняя ошибка сервера"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// callerID извлекает ID авторизованного пользователя из контекста запроса
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

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Ошибка сериализации payload: %v", err)
		return nil
	}
	return data
}

// getUserInfo возвращает краткую информацию о пользователе
func (s *ExchangeService) getUserInfo(ctx context.Context, userID uuid.UUID) (*models.User, error) {
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

// getBookInfo возвращает краткую информацию о книге
func (s *ExchangeService) getBookInfo(ctx context.Context, bookID uuid.UUID) (*models.Book, error) {
	var book models.Book
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, author, condition, available
		FROM books WHERE id = $1`, bookID).
		Scan(&book.ID, &book.UserID, &book.Title, &book.Author, &book.Condition, &book.Available)
	if err != nil {
		return nil, err
	}
	return &book, nil
}
