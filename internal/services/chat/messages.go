package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// Предельная длина текста сообщения
const maxMessageLength = 4000

// listConversations возвращает чаты пользователя, отсортированные по
// последней активности. Количество непрочитанного считается по разнице
// монотонных ID сообщений.
func (s *ChatService) listConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.exchange_id, c.requester_id, c.receiver_id,
		       c.last_message_id, c.last_message_text, c.last_message_time,
		       c.created_at, c.updated_at, e.state,
		       p.muted, p.archived,
		       GREATEST(c.last_message_id - p.last_seen_message_id, 0) AS unread_count
		FROM conversations c
		JOIN exchanges e ON e.id = c.exchange_id
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		ORDER BY c.last_message_time DESC NULLS LAST, c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса чатов: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		err = rows.Scan(&conv.ID, &conv.ExchangeID, &conv.RequesterID, &conv.ReceiverID,
			&conv.LastMessageID, &conv.LastMessageText, &conv.LastMessageTime,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.ExchangeState,
			&conv.Muted, &conv.Archived, &conv.UnreadCount)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения чата: %w", err)
		}
		conversations = append(conversations, conv)
	}

	for i := range conversations {
		counterpartID := conversations[i].RequesterID
		if counterpartID == userID {
			counterpartID = conversations[i].ReceiverID
		}
		if user, err := s.getUserInfo(ctx, counterpartID); err == nil {
			conversations[i].Counterpart = user
		}
	}

	return conversations, nil
}

// listMessages возвращает сообщения чата после указанного ID, без удаленных
func (s *ChatService) listMessages(ctx context.Context, userID, conversationID uuid.UUID, after int64, limit int) ([]models.Message, bool, error) {
	if err := s.ensureParticipant(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}

	// Запрашиваем на одно сообщение больше, чтобы узнать, есть ли еще
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_id, text, deleted, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1 AND id > $2 AND deleted = false
		ORDER BY id ASC
		LIMIT $3`, conversationID, after, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка запроса сообщений: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		err = rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.Deleted, &msg.CreatedAt, &msg.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("ошибка чтения сообщения: %w", err)
		}
		messages = append(messages, msg)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	return messages, hasMore, nil
}

// sendMessage сохраняет сообщение и сдвигает указатель последнего сообщения
// чата в одной транзакции. После завершения обмена чат доступен только
// для чтения. Возвращает сообщение и ID получателя для уведомления.
func (s *ChatService) sendMessage(ctx context.Context, senderID, conversationID uuid.UUID, text string) (*models.Message, uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, uuid.Nil, apperr.New(apperr.ErrValidation, "текст сообщения пуст")
	}
	if len(text) > maxMessageLength {
		return nil, uuid.Nil, apperr.Newf(apperr.ErrValidation, "сообщение длиннее %d символов", maxMessageLength)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку чата: указатель последнего сообщения сдвигается
	// строго последовательно
	var requesterID, receiverID uuid.UUID
	var exchangeState string
	err = tx.QueryRow(ctx, `
		SELECT c.requester_id, c.receiver_id, e.state
		FROM conversations c
		JOIN exchanges e ON e.id = c.exchange_id
		WHERE c.id = $1
		FOR UPDATE OF c`, conversationID).
		Scan(&requesterID, &receiverID, &exchangeState)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, uuid.Nil, apperr.New(apperr.ErrNotFound, "Чат не найден")
	}
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка получения чата: %w", err)
	}

	if senderID != requesterID && senderID != receiverID {
		return nil, uuid.Nil, apperr.New(apperr.ErrPermissionDenied, "у вас нет доступа к этому чату")
	}
	if exchangeState == models.ExchangeStateCompleted {
		return nil, uuid.Nil, apperr.New(apperr.ErrPermissionDenied, "обмен завершен, чат доступен только для чтения")
	}

	now := time.Now()
	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id`, conversationID, senderID, text, now).
		Scan(&msg.ID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка сохранения сообщения: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $1, last_message_text = $2, last_message_time = $3, updated_at = $3
		WHERE id = $4`, msg.ID, text, now, conversationID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка обновления чата: %w", err)
	}

	// Отправитель видит собственное сообщение сразу
	_, err = tx.Exec(ctx, `
		UPDATE conversation_participants
		SET last_seen_message_id = $1
		WHERE conversation_id = $2 AND user_id = $3 AND last_seen_message_id < $1`,
		msg.ID, conversationID, senderID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка обновления прочитанного: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, uuid.Nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	recipientID := requesterID
	if recipientID == senderID {
		recipientID = receiverID
	}

	return &msg, recipientID, nil
}

// markSeen сдвигает указатель прочитанного на последнее сообщение чата
func (s *ChatService) markSeen(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	var lastSeenID int64
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_participants
		SET last_seen_message_id = (
			SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1
		)
		WHERE conversation_id = $1 AND user_id = $2
		RETURNING last_seen_message_id`, conversationID, userID).
		Scan(&lastSeenID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.New(apperr.ErrPermissionDenied, "у вас нет доступа к этому чату")
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления прочитанного: %w", err)
	}
	return lastSeenID, nil
}

// updateSettings меняет личные настройки чата участника
func (s *ChatService) updateSettings(ctx context.Context, userID, conversationID uuid.UUID, muted, archived *bool) (*models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_participants
		SET muted = COALESCE($3, muted), archived = COALESCE($4, archived)
		WHERE conversation_id = $1 AND user_id = $2
		RETURNING conversation_id, user_id, last_seen_message_id, muted, archived`,
		conversationID, userID, muted, archived).
		Scan(&participant.ConversationID, &participant.UserID, &participant.LastSeenMessageID,
			&participant.Muted, &participant.Archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrPermissionDenied, "у вас нет доступа к этому чату")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления настроек: %w", err)
	}
	return &participant, nil
}

// deleteMessage помечает сообщение удаленным, не убирая его из истории.
// Удалять можно только собственные сообщения.
func (s *ChatService) deleteMessage(ctx context.Context, userID, conversationID uuid.UUID, messageID int64) error {
	var senderID uuid.UUID
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT sender_id, deleted FROM messages
		WHERE id = $1 AND conversation_id = $2`, messageID, conversationID).
		Scan(&senderID, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, "Сообщение не найдено")
	}
	if err != nil {
		return fmt.Errorf("ошибка получения сообщения: %w", err)
	}
	if senderID != userID {
		return apperr.New(apperr.ErrPermissionDenied, "удалять можно только свои сообщения")
	}
	if deleted {
		return apperr.New(apperr.ErrConflict, "сообщение уже удалено")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET deleted = true, updated_at = NOW()
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3 AND deleted = false`,
		messageID, conversationID, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления сообщения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.ErrConflict, "сообщение уже удалено")
	}

	return nil
}

// ensureParticipant проверяет, что пользователь является участником чата
func (s *ChatService) ensureParticipant(ctx context.Context, userID, conversationID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки доступа к чату: %w", err)
	}
	if !exists {
		return apperr.New(apperr.ErrPermissionDenied, "у вас нет доступа к этому чату")
	}
	return nil
}
