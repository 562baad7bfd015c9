package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/guard"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// acceptResult содержит идентификаторы, созданные при принятии заявки.
type acceptResult struct {
	ExchangeID     uuid.UUID
	ConversationID uuid.UUID
	RequesterID    uuid.UUID
	ReceiverID     uuid.UUID
}

// createRequest создает заявку на обмен вместе с предложенными книгами
// в одной транзакции. Все проверки доступности выполняются внутри нее,
// чтобы заявка не ссылалась на уже занятые книги.
func (s *ExchangeService) createRequest(ctx context.Context, requesterID, desiredBookID uuid.UUID, offeredBookIDs []uuid.UUID) (requestID, receiverID uuid.UUID, err error) {
	if len(offeredBookIDs) < models.MinOffersPerRequest || len(offeredBookIDs) > models.MaxOffersPerRequest {
		return uuid.Nil, uuid.Nil, apperr.Newf(apperr.ErrValidation, "в заявке должно быть от %d до %d предложенных книг", models.MinOffersPerRequest, models.MaxOffersPerRequest)
	}

	seen := make(map[uuid.UUID]struct{}, len(offeredBookIDs))
	for _, offeredID := range offeredBookIDs {
		if offeredID == desiredBookID {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "нельзя предлагать запрашиваемую книгу")
		}
		if _, dup := seen[offeredID]; dup {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "предложенные книги не должны повторяться")
		}
		seen[offeredID] = struct{}{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var desiredAvailable bool
	err = tx.QueryRow(ctx, `SELECT user_id, available FROM books WHERE id = $1`, desiredBookID).Scan(&receiverID, &desiredAvailable)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrNotFound, "Запрашиваемая книга не найдена")
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка получения книги: %w", err)
	}
	if receiverID == requesterID {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "нельзя запрашивать собственную книгу")
	}
	if !desiredAvailable {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "запрашиваемая книга снята с обмена")
	}
	locked, err := guard.Locked(ctx, tx, desiredBookID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка проверки занятости книги: %w", err)
	}
	if locked {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "запрашиваемая книга уже занята другим обменом")
	}

	for _, offeredID := range offeredBookIDs {
		var ownerID uuid.UUID
		var available bool
		err = tx.QueryRow(ctx, `SELECT user_id, available FROM books WHERE id = $1`, offeredID).Scan(&ownerID, &available)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrNotFound, "Предложенная книга не найдена")
		}
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка получения предложенной книги: %w", err)
		}
		if ownerID != requesterID {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "предлагать можно только собственные книги")
		}
		if !available {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "предложенная книга снята с обмена")
		}
		locked, err = guard.Locked(ctx, tx, offeredID)
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка проверки занятости книги: %w", err)
		}
		if locked {
			return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "предложенная книга уже занята другим обменом")
		}
	}

	var dupExists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM exchange_requests
			WHERE requester_id = $1 AND desired_book_id = $2 AND state = $3
		)`, requesterID, desiredBookID, models.RequestStatePending).Scan(&dupExists)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка проверки повторной заявки: %w", err)
	}
	if dupExists {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.ErrValidation, "заявка на эту книгу уже отправлена и ожидает ответа")
	}

	requestID = uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO exchange_requests (id, requester_id, receiver_id, desired_book_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		requestID, requesterID, receiverID, desiredBookID, models.RequestStatePending)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка создания заявки: %w", err)
	}

	for _, offeredID := range offeredBookIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO request_offers (id, request_id, offered_book_id, created_at)
			VALUES ($1, $2, $3, NOW())`,
			uuid.New(), requestID, offeredID)
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка сохранения предложенной книги: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return requestID, receiverID, nil
}

// acceptRequest принимает заявку: переводит ее в accepted, создает обмен
// и чат, отклоняет конкурирующие заявки на ту же книгу. Все в одной
// транзакции, побеждает первый зафиксировавшийся вызов.
func (s *ExchangeService) acceptRequest(ctx context.Context, receiverID, requestID, chosenBookID uuid.UUID) (*acceptResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var req models.ExchangeRequest
	err = tx.QueryRow(ctx, `
		SELECT id, requester_id, receiver_id, desired_book_id, accepted_book_id, state
		FROM exchange_requests
		WHERE id = $1
		FOR UPDATE`, requestID).
		Scan(&req.ID, &req.RequesterID, &req.ReceiverID, &req.DesiredBookID, &req.AcceptedBookID, &req.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Заявка не найдена")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	if req.ReceiverID != receiverID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "принять заявку может только владелец запрошенной книги")
	}

	switch req.State {
	case models.RequestStatePending:
		// продолжаем
	case models.RequestStateAccepted:
		// Повторное принятие с той же книгой возвращает уже созданный обмен
		if req.AcceptedBookID != nil && *req.AcceptedBookID == chosenBookID {
			result := &acceptResult{RequesterID: req.RequesterID, ReceiverID: req.ReceiverID}
			err = tx.QueryRow(ctx, `
				SELECT e.id, c.id
				FROM exchanges e
				JOIN conversations c ON c.exchange_id = e.id
				WHERE e.request_id = $1`, requestID).
				Scan(&result.ExchangeID, &result.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("ошибка получения существующего обмена: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
			}
			return result, nil
		}
		return nil, apperr.New(apperr.ErrConflict, "заявка уже принята с другой книгой")
	default:
		return nil, apperr.New(apperr.ErrConflict, "по заявке уже принято решение")
	}

	var offered bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM request_offers
			WHERE request_id = $1 AND offered_book_id = $2
		)`, requestID, chosenBookID).Scan(&offered)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки предложенной книги: %w", err)
	}
	if !offered {
		return nil, apperr.New(apperr.ErrValidation, "выбранная книга не входит в предложения заявки")
	}

	// Блокируем обе книги в детерминированном порядке, чтобы встречные
	// принятия не взаимоблокировались
	first, second := req.DesiredBookID, chosenBookID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, bookID := range []uuid.UUID{first, second} {
		var available bool
		err = tx.QueryRow(ctx, `SELECT available FROM books WHERE id = $1 FOR UPDATE`, bookID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.ErrNotFound, "Книга обмена не найдена")
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка блокировки книги: %w", err)
		}
		if !available {
			return nil, apperr.New(apperr.ErrConflict, "книга снята с обмена")
		}
		locked, err := guard.Locked(ctx, tx, bookID)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки занятости книги: %w", err)
		}
		if locked {
			return nil, apperr.New(apperr.ErrConflict, "книга уже занята другим обменом")
		}
	}

	// Перевод состояния условный: проигравший конкурент получает 409
	tag, err := tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, accepted_book_id = $2, updated_at = NOW()
		WHERE id = $3 AND state = $4`,
		models.RequestStateAccepted, chosenBookID, requestID, models.RequestStatePending)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.New(apperr.ErrConflict, "по заявке уже принято решение")
	}

	result := &acceptResult{RequesterID: req.RequesterID, ReceiverID: req.ReceiverID}

	err = tx.QueryRow(ctx, `
		INSERT INTO exchanges (id, request_id, requester_id, receiver_id, desired_book_id, accepted_book_id, state, meeting_place, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (request_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		uuid.New(), requestID, req.RequesterID, req.ReceiverID, req.DesiredBookID, chosenBookID,
		models.ExchangeStateAccepted, models.MeetingPlaceUndecided).
		Scan(&result.ExchangeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания обмена: %w", err)
	}

	// На один обмен существует ровно один чат
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, exchange_id, requester_id, receiver_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (exchange_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		uuid.New(), result.ExchangeID, req.RequesterID, req.ReceiverID).
		Scan(&result.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания чата: %w", err)
	}

	for _, userID := range []uuid.UUID{req.RequesterID, req.ReceiverID} {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			result.ConversationID, userID)
		if err != nil {
			return nil, fmt.Errorf("ошибка добавления участника чата: %w", err)
		}
	}

	// Конкурирующие ожидающие заявки на ту же книгу отклоняются тем же коммитом
	_, err = tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, updated_at = NOW()
		WHERE desired_book_id = $2 AND state = $3 AND id <> $4`,
		models.RequestStateRejected, req.DesiredBookID, models.RequestStatePending, requestID)
	if err != nil {
		return nil, fmt.Errorf("ошибка отклонения конкурирующих заявок: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return result, nil
}

// rejectRequest отклоняет ожидающую заявку. Доступно только владельцу
// запрошенной книги.
func (s *ExchangeService) rejectRequest(ctx context.Context, receiverID, requestID uuid.UUID) error {
	return s.closeRequest(ctx, requestID, models.RequestStateRejected, func(req *models.ExchangeRequest) error {
		if req.ReceiverID != receiverID {
			return apperr.New(apperr.ErrPermissionDenied, "отклонить заявку может только владелец запрошенной книги")
		}
		return nil
	})
}

// cancelRequest отменяет ожидающую заявку. Доступно только ее отправителю.
func (s *ExchangeService) cancelRequest(ctx context.Context, requesterID, requestID uuid.UUID) error {
	return s.closeRequest(ctx, requestID, models.RequestStateCanceled, func(req *models.ExchangeRequest) error {
		if req.RequesterID != requesterID {
			return apperr.New(apperr.ErrPermissionDenied, "отменить заявку может только ее отправитель")
		}
		return nil
	})
}

func (s *ExchangeService) closeRequest(ctx context.Context, requestID uuid.UUID, newState string, authorize func(*models.ExchangeRequest) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var req models.ExchangeRequest
	err = tx.QueryRow(ctx, `
		SELECT id, requester_id, receiver_id, state
		FROM exchange_requests
		WHERE id = $1
		FOR UPDATE`, requestID).
		Scan(&req.ID, &req.RequesterID, &req.ReceiverID, &req.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, "Заявка не найдена")
	}
	if err != nil {
		return fmt.Errorf("ошибка получения заявки: %w", err)
	}

	if err := authorize(&req); err != nil {
		return err
	}
	if req.State != models.RequestStatePending {
		return apperr.New(apperr.ErrConflict, "по заявке уже принято решение")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3`,
		newState, requestID, models.RequestStatePending)
	if err != nil {
		return fmt.Errorf("ошибка обновления заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.ErrConflict, "по заявке уже принято решение")
	}

	return tx.Commit(ctx)
}
