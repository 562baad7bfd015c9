package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

// Срок действия кода подтверждения обмена
const codeTTL = 30 * 24 * time.Hour

// Код задается вручную не длиннее этого лимита
const maxCustomCodeLength = 12

// completeResult содержит стороны завершенного обмена для уведомлений.
type completeResult struct {
	RequesterID uuid.UUID
	ReceiverID  uuid.UUID
}

// proposeMeeting предлагает место и время встречи. Доступно владельцу
// запрошенной книги, пока обмен активен. Повторное предложение
// сбрасывает подтверждение.
func (s *ExchangeService) proposeMeeting(ctx context.Context, callerID, exchangeID uuid.UUID, place string, meetingTime time.Time) error {
	place = strings.TrimSpace(place)
	if place == "" {
		return apperr.New(apperr.ErrValidation, "место встречи не указано")
	}
	if meetingTime.IsZero() {
		return apperr.New(apperr.ErrValidation, "время встречи не указано")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var receiverID uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `SELECT receiver_id, state FROM exchanges WHERE id = $1 FOR UPDATE`, exchangeID).
		Scan(&receiverID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return fmt.Errorf("ошибка получения обмена: %w", err)
	}
	if callerID != receiverID {
		return apperr.New(apperr.ErrPermissionDenied, "предложить встречу может только владелец запрошенной книги")
	}
	if state != models.ExchangeStateAccepted {
		return apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	_, err = tx.Exec(ctx, `
		UPDATE exchanges
		SET meeting_place = $1, meeting_time = $2, meeting_confirmed = false, updated_at = NOW()
		WHERE id = $3`,
		place, meetingTime.UTC(), exchangeID)
	if err != nil {
		return fmt.Errorf("ошибка сохранения встречи: %w", err)
	}

	return tx.Commit(ctx)
}

// confirmMeeting подтверждает или отклоняет предложенную встречу.
// Доступно отправителю заявки. Отклонение сбрасывает договоренность,
// после чего встречу можно предложить заново.
func (s *ExchangeService) confirmMeeting(ctx context.Context, callerID, exchangeID uuid.UUID, confirm bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var requesterID uuid.UUID
	var state string
	var meetingTime *time.Time
	err = tx.QueryRow(ctx, `SELECT requester_id, state, meeting_time FROM exchanges WHERE id = $1 FOR UPDATE`, exchangeID).
		Scan(&requesterID, &state, &meetingTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return fmt.Errorf("ошибка получения обмена: %w", err)
	}
	if callerID != requesterID {
		return apperr.New(apperr.ErrPermissionDenied, "подтвердить встречу может только отправитель заявки")
	}
	if state != models.ExchangeStateAccepted {
		return apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}
	if meetingTime == nil {
		return apperr.New(apperr.ErrConflict, "встреча еще не предложена")
	}

	if confirm {
		_, err = tx.Exec(ctx, `UPDATE exchanges SET meeting_confirmed = true, updated_at = NOW() WHERE id = $1`, exchangeID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE exchanges
			SET meeting_place = $1, meeting_time = NULL, meeting_confirmed = false, updated_at = NOW()
			WHERE id = $2`,
			models.MeetingPlaceUndecided, exchangeID)
	}
	if err != nil {
		return fmt.Errorf("ошибка обновления встречи: %w", err)
	}

	return tx.Commit(ctx)
}

// generateCode выдает код подтверждения обмена. Код выдает владелец
// запрошенной книги и называет его при личной встрече. Повторный вызов
// заменяет неиспользованный код новым, использованный код заменить нельзя.
func (s *ExchangeService) generateCode(ctx context.Context, callerID, exchangeID uuid.UUID, customCode string) (string, time.Time, error) {
	code := utils.NormalizeExchangeCode(customCode)
	if code == "" {
		code = utils.GenerateExchangeCode()
	}
	if len(code) > maxCustomCodeLength {
		return "", time.Time{}, apperr.Newf(apperr.ErrValidation, "код не должен быть длиннее %d символов", maxCustomCodeLength)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var receiverID uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `SELECT receiver_id, state FROM exchanges WHERE id = $1 FOR UPDATE`, exchangeID).
		Scan(&receiverID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка получения обмена: %w", err)
	}
	if callerID != receiverID {
		return "", time.Time{}, apperr.New(apperr.ErrPermissionDenied, "код выдает владелец запрошенной книги")
	}
	if state != models.ExchangeStateAccepted {
		return "", time.Time{}, apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	var usedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT used_at FROM exchange_codes WHERE exchange_id = $1 FOR UPDATE`, exchangeID).
		Scan(&usedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("ошибка получения кода: %w", err)
	}
	if usedAt != nil {
		return "", time.Time{}, apperr.New(apperr.ErrConflict, "код уже использован")
	}

	expiresAt := time.Now().Add(codeTTL).UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO exchange_codes (exchange_id, code, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (exchange_id) DO UPDATE SET code = EXCLUDED.code, expires_at = EXCLUDED.expires_at`,
		exchangeID, code, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка сохранения кода: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return code, expiresAt, nil
}

// completeWithCode завершает обмен по коду, названному при встрече.
// Код гасится отдельной транзакцией до завершения, поэтому два
// одновременных вызова не завершат обмен дважды. Если само завершение
// не удалось, код компенсирующим обновлением возвращается в оборот.
func (s *ExchangeService) completeWithCode(ctx context.Context, callerID, exchangeID uuid.UUID, code string, completedAt time.Time) (*completeResult, error) {
	submitted := utils.NormalizeExchangeCode(code)
	if submitted == "" {
		return nil, apperr.New(apperr.ErrValidation, "код не указан")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var requesterID, receiverID, desiredBookID, acceptedBookID uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `
		SELECT requester_id, receiver_id, desired_book_id, accepted_book_id, state
		FROM exchanges
		WHERE id = $1
		FOR UPDATE`, exchangeID).
		Scan(&requesterID, &receiverID, &desiredBookID, &acceptedBookID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}
	if callerID != requesterID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "завершить обмен может только отправитель заявки")
	}
	if state != models.ExchangeStateAccepted {
		return nil, apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	var stored string
	var expiresAt time.Time
	var usedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT code, expires_at, used_at FROM exchange_codes WHERE exchange_id = $1 FOR UPDATE`, exchangeID).
		Scan(&stored, &expiresAt, &usedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrConflict, "код еще не выдан")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кода: %w", err)
	}
	if usedAt != nil {
		return nil, apperr.New(apperr.ErrConflict, "код уже использован")
	}
	if time.Now().After(expiresAt) {
		return nil, apperr.New(apperr.ErrExpired, "срок действия кода истек")
	}
	if !strings.EqualFold(stored, submitted) {
		return nil, apperr.New(apperr.ErrConflict, "неверный код")
	}

	_, err = tx.Exec(ctx, `UPDATE exchange_codes SET used_at = NOW() WHERE exchange_id = $1`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка погашения кода: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	if err := s.finalizeExchange(ctx, exchangeID, desiredBookID, acceptedBookID, completedAt); err != nil {
		if compErr := s.releaseCode(ctx, exchangeID); compErr != nil {
			log.Printf("⚠️ Не удалось вернуть код обмена %s в оборот: %v", exchangeID, compErr)
		}
		return nil, err
	}

	return &completeResult{RequesterID: requesterID, ReceiverID: receiverID}, nil
}

// finalizeExchange переводит обмен в completed и выводит обе книги из
// оборота. Вызывается после погашения кода.
func (s *ExchangeService) finalizeExchange(ctx context.Context, exchangeID, desiredBookID, acceptedBookID uuid.UUID, completedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET state = $1, completed_at = $2, updated_at = NOW()
		WHERE id = $3 AND state = $4`,
		models.ExchangeStateCompleted, completedAt.UTC(), exchangeID, models.ExchangeStateAccepted)
	if err != nil {
		return fmt.Errorf("ошибка завершения обмена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	_, err = tx.Exec(ctx, `
		UPDATE books
		SET available = false, updated_at = NOW()
		WHERE id = $1 OR id = $2`,
		desiredBookID, acceptedBookID)
	if err != nil {
		return fmt.Errorf("ошибка обновления книг: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *ExchangeService) releaseCode(ctx context.Context, exchangeID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE exchange_codes SET used_at = NULL WHERE exchange_id = $1`, exchangeID)
	return err
}

// cancelExchange отменяет активный обмен. Доступно любому из участников.
// Заявка, породившая обмен, закрывается тем же коммитом.
func (s *ExchangeService) cancelExchange(ctx context.Context, callerID, exchangeID uuid.UUID) (*completeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var requestID, requesterID, receiverID uuid.UUID
	var state string
	err = tx.QueryRow(ctx, `
		SELECT request_id, requester_id, receiver_id, state
		FROM exchanges
		WHERE id = $1
		FOR UPDATE`, exchangeID).
		Scan(&requestID, &requesterID, &receiverID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}
	if callerID != requesterID && callerID != receiverID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "отменить обмен могут только его участники")
	}
	if state != models.ExchangeStateAccepted {
		return nil, apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3`,
		models.ExchangeStateCanceled, exchangeID, models.ExchangeStateAccepted)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены обмена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.New(apperr.ErrConflict, "обмен уже закрыт")
	}

	_, err = tx.Exec(ctx, `UPDATE exchange_requests SET state = $1, updated_at = NOW() WHERE id = $2`,
		models.RequestStateCanceled, requestID)
	if err != nil {
		return nil, fmt.Errorf("ошибка закрытия заявки: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return &completeResult{RequesterID: requesterID, ReceiverID: receiverID}, nil
}
