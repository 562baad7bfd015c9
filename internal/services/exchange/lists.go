package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// listRequests возвращает заявки, где пользователь выступает указанной
// стороной (receiver_id или requester_id), с необязательным фильтром по
// состоянию.
func (s *ExchangeService) listRequests(ctx context.Context, sideColumn string, userID uuid.UUID, state string) ([]models.ExchangeRequest, error) {
	// Колонка подставляется из фиксированного набора, не из ввода пользователя
	if sideColumn != "receiver_id" && sideColumn != "requester_id" {
		return nil, fmt.Errorf("недопустимая колонка фильтра: %s", sideColumn)
	}

	query := `
		SELECT id, requester_id, receiver_id, desired_book_id, accepted_book_id, state, created_at, updated_at
		FROM exchange_requests
		WHERE ` + sideColumn + ` = $1`
	args := []any{userID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса заявок: %w", err)
	}
	defer rows.Close()

	requests := []models.ExchangeRequest{}
	for rows.Next() {
		var req models.ExchangeRequest
		err = rows.Scan(&req.ID, &req.RequesterID, &req.ReceiverID, &req.DesiredBookID,
			&req.AcceptedBookID, &req.State, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения заявки: %w", err)
		}
		requests = append(requests, req)
	}

	for i := range requests {
		if err := s.enrichRequest(ctx, &requests[i]); err != nil {
			return nil, err
		}
	}

	return requests, nil
}

// getRequest возвращает заявку с книгами и сторонами. Доступно только
// отправителю и получателю заявки.
func (s *ExchangeService) getRequest(ctx context.Context, userID, requestID uuid.UUID) (*models.ExchangeRequest, error) {
	var req models.ExchangeRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, requester_id, receiver_id, desired_book_id, accepted_book_id, state, created_at, updated_at
		FROM exchange_requests
		WHERE id = $1`, requestID).
		Scan(&req.ID, &req.RequesterID, &req.ReceiverID, &req.DesiredBookID,
			&req.AcceptedBookID, &req.State, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Заявка не найдена")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}

	if userID != req.RequesterID && userID != req.ReceiverID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "заявка доступна только ее сторонам")
	}

	if err := s.enrichRequest(ctx, &req); err != nil {
		return nil, err
	}

	return &req, nil
}

// enrichRequest добавляет к заявке предложенные книги, стороны и ссылку на
// обмен, если заявка принята.
func (s *ExchangeService) enrichRequest(ctx context.Context, req *models.ExchangeRequest) error {
	offers, err := s.loadOffers(ctx, req.ID)
	if err != nil {
		return err
	}
	req.Offers = offers

	if book, err := s.getBookInfo(ctx, req.DesiredBookID); err == nil {
		req.DesiredBook = book
	}
	if user, err := s.getUserInfo(ctx, req.RequesterID); err == nil {
		req.Requester = user
	}
	if user, err := s.getUserInfo(ctx, req.ReceiverID); err == nil {
		req.Receiver = user
	}

	if req.State == models.RequestStateAccepted {
		var exchangeID, conversationID uuid.UUID
		err = s.pool.QueryRow(ctx, `
			SELECT e.id, c.id
			FROM exchanges e
			JOIN conversations c ON c.exchange_id = e.id
			WHERE e.request_id = $1`, req.ID).
			Scan(&exchangeID, &conversationID)
		if err == nil {
			req.ExchangeID = &exchangeID
			req.ConversationID = &conversationID
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ошибка получения обмена заявки: %w", err)
		}
	}

	return nil
}

// loadOffers возвращает предложенные книги заявки
func (s *ExchangeService) loadOffers(ctx context.Context, requestID uuid.UUID) ([]models.RequestOffer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, offered_book_id
		FROM request_offers
		WHERE request_id = $1
		ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса предложений: %w", err)
	}
	defer rows.Close()

	offers := []models.RequestOffer{}
	for rows.Next() {
		var offer models.RequestOffer
		if err := rows.Scan(&offer.ID, &offer.RequestID, &offer.OfferedBookID); err != nil {
			return nil, fmt.Errorf("ошибка чтения предложения: %w", err)
		}
		offers = append(offers, offer)
	}

	for i := range offers {
		if book, err := s.getBookInfo(ctx, offers[i].OfferedBookID); err == nil {
			offers[i].OfferedBook = book
		}
	}

	return offers, nil
}

// getExchange возвращает обмен с книгами, сторонами и ссылкой на чат.
// Доступно только участникам обмена.
func (s *ExchangeService) getExchange(ctx context.Context, userID, exchangeID uuid.UUID) (*models.Exchange, error) {
	var ex models.Exchange
	err := s.pool.QueryRow(ctx, `
		SELECT id, request_id, requester_id, receiver_id, desired_book_id, accepted_book_id,
		       state, meeting_place, meeting_time, meeting_confirmed, completed_at, created_at, updated_at
		FROM exchanges
		WHERE id = $1`, exchangeID).
		Scan(&ex.ID, &ex.RequestID, &ex.RequesterID, &ex.ReceiverID, &ex.DesiredBookID, &ex.AcceptedBookID,
			&ex.State, &ex.MeetingPlace, &ex.MeetingTime, &ex.MeetingConfirmed, &ex.CompletedAt, &ex.CreatedAt, &ex.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Обмен не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}

	if userID != ex.RequesterID && userID != ex.ReceiverID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "обмен доступен только его участникам")
	}

	s.enrichExchange(ctx, &ex)

	return &ex, nil
}

// listExchanges возвращает обмены, где пользователь выступает любой из сторон
func (s *ExchangeService) listExchanges(ctx context.Context, userID uuid.UUID, state string) ([]models.Exchange, error) {
	query := `
		SELECT id, request_id, requester_id, receiver_id, desired_book_id, accepted_book_id,
		       state, meeting_place, meeting_time, meeting_confirmed, completed_at, created_at, updated_at
		FROM exchanges
		WHERE (requester_id = $1 OR receiver_id = $1)`
	args := []any{userID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса обменов: %w", err)
	}
	defer rows.Close()

	exchanges := []models.Exchange{}
	for rows.Next() {
		var ex models.Exchange
		err = rows.Scan(&ex.ID, &ex.RequestID, &ex.RequesterID, &ex.ReceiverID, &ex.DesiredBookID, &ex.AcceptedBookID,
			&ex.State, &ex.MeetingPlace, &ex.MeetingTime, &ex.MeetingConfirmed, &ex.CompletedAt, &ex.CreatedAt, &ex.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения обмена: %w", err)
		}
		exchanges = append(exchanges, ex)
	}

	for i := range exchanges {
		s.enrichExchange(ctx, &exchanges[i])
	}

	return exchanges, nil
}

// enrichExchange добавляет к обмену книги, стороны и ссылку на чат.
// Ошибки обогащения не фатальны: основной объект уже загружен.
func (s *ExchangeService) enrichExchange(ctx context.Context, ex *models.Exchange) {
	if book, err := s.getBookInfo(ctx, ex.DesiredBookID); err == nil {
		ex.DesiredBook = book
	}
	if book, err := s.getBookInfo(ctx, ex.AcceptedBookID); err == nil {
		ex.AcceptedBook = book
	}
	if user, err := s.getUserInfo(ctx, ex.RequesterID); err == nil {
		ex.Requester = user
	}
	if user, err := s.getUserInfo(ctx, ex.ReceiverID); err == nil {
		ex.Receiver = user
	}

	var chatID uuid.UUID
	if err := s.pool.QueryRow(ctx, `SELECT id FROM conversations WHERE exchange_id = $1`, ex.ID).Scan(&chatID); err == nil {
		ex.ChatID = &chatID
	}
}
