package rating

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

// Код нарушения уникальности в PostgreSQL
const uniqueViolationCode = "23505"

// RatingService представляет сервис оценок по завершенным обменам
type RatingService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	pool       db.DB
}

// NewRatingService создает новый экземпляр RatingService
func NewRatingService(cfg *config.Config) *RatingService {
	return &RatingService{
		cfg:        cfg,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
		pool:       db.Pool,
	}
}

// RateExchange сохраняет оценку контрагента по завершенному обмену
func (s *RatingService) RateExchange(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	exchangeID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID обмена"})
	}

	var requestData struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	rating, err := s.rate(ctx, userID, exchangeID, requestData.Score, requestData.Comment)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"rating":  rating,
	})
}

// GetMyRating возвращает оценку, которую пользователь поставил по обмену
func (s *RatingService) GetMyRating(c fiber.Ctx) error {
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

	var rating models.Rating
	err = s.pool.QueryRow(ctx, `
		SELECT id, exchange_id, rater_id, rated_id, score, comment, created_at
		FROM ratings
		WHERE exchange_id = $1 AND rater_id = $2`, exchangeID, userID).
		Scan(&rating.ID, &rating.ExchangeID, &rating.RaterID, &rating.RatedID,
			&rating.Score, &rating.Comment, &rating.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.respondError(c, apperr.New(apperr.ErrNotFound, "Оценка не найдена"))
	}
	if err != nil {
		return s.respondError(c, fmt.Errorf("ошибка получения оценки: %w", err))
	}

	return c.JSON(fiber.Map{"rating": rating})
}

// GetUserSummary возвращает агрегированную репутацию пользователя
func (s *RatingService) GetUserSummary(c fiber.Ctx) error {
	if _, err := callerID(c); err != nil {
		return s.respondError(c, err)
	}

	ratedID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID пользователя"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	summary := models.RatingSummary{UserID: ratedID}
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(score)::float8, COUNT(*)
		FROM ratings
		WHERE rated_id = $1`, ratedID).
		Scan(&summary.Avg, &summary.Count)
	if err != nil {
		return s.respondError(c, fmt.Errorf("ошибка получения репутации: %w", err))
	}

	return c.JSON(fiber.Map{"summary": summary})
}

// rate проверяет право пользователя оценить обмен и сохраняет оценку.
// Уникальный индекс не дает оценить один обмен дважды.
func (s *RatingService) rate(ctx context.Context, raterID, exchangeID uuid.UUID, score int, comment string) (*models.Rating, error) {
	if score < models.RatingScoreMin || score > models.RatingScoreMax {
		return nil, apperr.Newf(apperr.ErrValidation, "оценка должна быть от %d до %d", models.RatingScoreMin, models.RatingScoreMax)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var requesterID, receiverID uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `SELECT requester_id, receiver_id, state FROM exchanges WHERE id = $1`, exchangeID).
		Scan(&requesterID, &receiverID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}

	if raterID != requesterID && raterID != receiverID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "оценивать обмен могут только его участники")
	}
	if state != models.ExchangeStateCompleted {
		return nil, apperr.New(apperr.ErrConflict, "оценить можно только завершенный обмен")
	}

	ratedID := requesterID
	if ratedID == raterID {
		ratedID = receiverID
	}

	rating := models.Rating{
		ID:         uuid.New(),
		ExchangeID: exchangeID,
		RaterID:    raterID,
		RatedID:    ratedID,
		Score:      score,
		Comment:    comment,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ratings (id, exchange_id, rater_id, rated_id, score, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`,
		rating.ID, rating.ExchangeID, rating.RaterID, rating.RatedID, rating.Score, rating.Comment).
		Scan(&rating.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, apperr.New(apperr.ErrConflict, "вы уже оценили этот обмен")
		}
		return nil, fmt.Errorf("ошибка сохранения оценки: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return &rating, nil
}

// respondError преобразует ошибку сервиса в HTTP ответ
func (s *RatingService) respondError(c fiber.Ctx, err error) error {
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
