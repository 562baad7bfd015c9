package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
	"github.com/rajivgeraev/bookswap-api/internal/websocket"
)

// Размер страницы сообщений по умолчанию
const defaultMessageLimit = 50

// ChatService представляет сервис для работы с чатами обменов
type ChatService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	pool       db.DB
	notifier   *websocket.Manager
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(cfg *config.Config, notifier *websocket.Manager) *ChatService {
	return &ChatService{
		cfg:        cfg,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
		pool:       db.Pool,
		notifier:   notifier,
	}
}

// GetConversations возвращает чаты пользователя с непрочитанным и собеседником
func (s *ChatService) GetConversations(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	conversations, err := s.listConversations(ctx, userID)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations, "count": len(conversations)})
}

// GetMessages возвращает сообщения чата. Параметр after задает ID,
// после которого нужны сообщения, так что клиент дотягивает только новое
func (s *ChatService) GetMessages(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID чата"})
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный параметр after"})
		}
	}

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 200 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный параметр limit"})
		}
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	messages, hasMore, err := s.listMessages(ctx, userID, conversationID, after, limit)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages": messages,
		"has_more": hasMore,
	})
}

// SendMessage отправляет сообщение в чат
func (s *ChatService) SendMessage(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID чата"})
	}

	var requestData struct {
		Text string `json:"text"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	message, recipientID, err := s.sendMessage(ctx, userID, conversationID, requestData.Text)
	if err != nil {
		return s.respondError(c, err)
	}

	if s.notifier != nil {
		payload, _ := json.Marshal(message)
		s.notifier.SendToUser(recipientID.String(), websocket.Event{
			Type:      websocket.EventNewMessage,
			ChatID:    conversationID.String(),
			MessageID: strconv.FormatInt(message.ID, 10),
			UserID:    userID.String(),
			Payload:   payload,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

// MarkSeen отмечает все сообщения чата прочитанными
func (s *ChatService) MarkSeen(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID чата"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	lastSeenID, err := s.markSeen(ctx, userID, conversationID)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":              true,
		"last_seen_message_id": lastSeenID,
	})
}

// UpdateSettings изменяет настройки чата для текущего пользователя
func (s *ChatService) UpdateSettings(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID чата"})
	}

	var requestData struct {
		Muted    *bool `json:"muted"`
		Archived *bool `json:"archived"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}
	if requestData.Muted == nil && requestData.Archived == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Нет настроек для изменения"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	participant, err := s.updateSettings(ctx, userID, conversationID, requestData.Muted, requestData.Archived)
	if err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"muted":    participant.Muted,
		"archived": participant.Archived,
	})
}

// DeleteMessage помечает сообщение удаленным. Доступно только отправителю
func (s *ChatService) DeleteMessage(c fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return s.respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID чата"})
	}

	messageID, err := strconv.ParseInt(c.Params("messageId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID сообщения"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.deleteMessage(ctx, userID, conversationID, messageID); err != nil {
		return s.respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// ResolvePeer возвращает собеседника пользователя в чате. Используется
// WebSocket менеджером для пересылки событий печати
func (s *ChatService) ResolvePeer(chatID, userID string) (string, error) {
	conversationID, err := uuid.Parse(chatID)
	if err != nil {
		return "", fmt.Errorf("неверный ID чата: %w", err)
	}
	callerUUID, err := uuid.Parse(userID)
	if err != nil {
		return "", fmt.Errorf("неверный ID пользователя: %w", err)
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	var requesterID, receiverID uuid.UUID
	err = s.pool.QueryRow(ctx, `SELECT requester_id, receiver_id FROM conversations WHERE id = $1`, conversationID).
		Scan(&requesterID, &receiverID)
	if err != nil {
		return "", fmt.Errorf("чат не найден: %w", err)
	}

	switch callerUUID {
	case requesterID:
		return receiverID.String(), nil
	case receiverID:
		return requesterID.String(), nil
	}
	return "", fmt.Errorf("пользователь не участник чата")
}

// respondError преобразует ошибку сервиса в HTTP ответ
func (s *ChatService) respondError(c fiber.Ctx, err error) error {
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
func (s *ChatService) getUserInfo(ctx context.Context, userID uuid.UUID) (*models.User, error) {
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
