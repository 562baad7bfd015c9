package exchange

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

func newMockService(t *testing.T) (*ExchangeService, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &ExchangeService{pool: mock}, mock
}

func TestCreateRequestOfferCountLimits(t *testing.T) {
	s, _ := newMockService(t)
	requesterID := uuid.New()
	desiredID := uuid.New()

	_, _, err := s.createRequest(context.Background(), requesterID, desiredID, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	tooMany := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	_, _, err = s.createRequest(context.Background(), requesterID, desiredID, tooMany)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateRequestRejectsDesiredAmongOffers(t *testing.T) {
	s, _ := newMockService(t)
	desiredID := uuid.New()

	_, _, err := s.createRequest(context.Background(), uuid.New(), desiredID, []uuid.UUID{desiredID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateRequestRejectsDuplicateOffers(t *testing.T) {
	s, _ := newMockService(t)
	offeredID := uuid.New()

	_, _, err := s.createRequest(context.Background(), uuid.New(), uuid.New(), []uuid.UUID{offeredID, offeredID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateRequestSuccess(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	receiverID := uuid.New()
	desiredID := uuid.New()
	offeredID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(receiverID, true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(offeredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(requesterID, true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, offeredID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT 1 FROM exchange_requests").
		WithArgs(requesterID, desiredID, models.RequestStatePending).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO exchange_requests").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO request_offers").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	requestID, gotReceiverID, err := s.createRequest(context.Background(), requesterID, desiredID, []uuid.UUID{offeredID})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, requestID)
	assert.Equal(t, receiverID, gotReceiverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequestOwnBook(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	desiredID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(requesterID, true))

	_, _, err := s.createRequest(context.Background(), requesterID, desiredID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateRequestDesiredBookMissing(t *testing.T) {
	s, mock := newMockService(t)

	desiredID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(desiredID).
		WillReturnError(pgx.ErrNoRows)

	_, _, err := s.createRequest(context.Background(), uuid.New(), desiredID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateRequestDesiredBookLocked(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	desiredID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(uuid.New(), true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, _, err := s.createRequest(context.Background(), requesterID, desiredID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateRequestDuplicatePending(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	desiredID := uuid.New()
	offeredID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(uuid.New(), true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, desiredID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT user_id, available FROM books").
		WithArgs(offeredID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "available"}).AddRow(requesterID, true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, offeredID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT 1 FROM exchange_requests").
		WithArgs(requesterID, desiredID, models.RequestStatePending).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, _, err := s.createRequest(context.Background(), requesterID, desiredID, []uuid.UUID{offeredID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAcceptRequestSuccess(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	receiverID := uuid.New()
	requestID := uuid.New()
	desiredID := uuid.New()
	chosenID := uuid.New()

	// Книги блокируются в детерминированном порядке
	first, second := desiredID, chosenID
	if second.String() < first.String() {
		first, second = second, first
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, requesterID, receiverID, desiredID, nil, models.RequestStatePending))
	mock.ExpectQuery("SELECT 1 FROM request_offers").
		WithArgs(requestID, chosenID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	for _, bookID := range []uuid.UUID{first, second} {
		mock.ExpectQuery("SELECT available FROM books").
			WithArgs(bookID).
			WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(true))
		mock.ExpectQuery("SELECT 1 FROM exchanges").
			WithArgs(models.ExchangeStateAccepted, bookID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	}
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateAccepted, chosenID, requestID, models.RequestStatePending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	exchangeID := uuid.New()
	conversationID := uuid.New()
	mock.ExpectQuery("INSERT INTO exchanges").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(exchangeID))
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(conversationID))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateRejected, desiredID, models.RequestStatePending, requestID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	result, err := s.acceptRequest(context.Background(), receiverID, requestID, chosenID)
	require.NoError(t, err)
	assert.Equal(t, exchangeID, result.ExchangeID)
	assert.Equal(t, conversationID, result.ConversationID)
	assert.Equal(t, requesterID, result.RequesterID)
	assert.Equal(t, receiverID, result.ReceiverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptRequestNotReceiver(t *testing.T) {
	s, mock := newMockService(t)

	requestID := uuid.New()
	stranger := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), uuid.New(), uuid.New(), nil, models.RequestStatePending))

	_, err := s.acceptRequest(context.Background(), stranger, requestID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestAcceptRequestIdempotentRetry(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()
	chosenID := uuid.New()
	exchangeID := uuid.New()
	conversationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, uuid.New(), &chosenID, models.RequestStateAccepted))
	mock.ExpectQuery("JOIN conversations").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "id"}).AddRow(exchangeID, conversationID))
	mock.ExpectCommit()

	result, err := s.acceptRequest(context.Background(), receiverID, requestID, chosenID)
	require.NoError(t, err)
	assert.Equal(t, exchangeID, result.ExchangeID)
	assert.Equal(t, conversationID, result.ConversationID)
}

func TestAcceptRequestAcceptedWithOtherBook(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()
	otherBook := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, uuid.New(), &otherBook, models.RequestStateAccepted))

	_, err := s.acceptRequest(context.Background(), receiverID, requestID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAcceptRequestAlreadyRejected(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, uuid.New(), nil, models.RequestStateRejected))

	_, err := s.acceptRequest(context.Background(), receiverID, requestID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAcceptRequestChosenBookNotOffered(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()
	chosenID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, uuid.New(), nil, models.RequestStatePending))
	mock.ExpectQuery("SELECT 1 FROM request_offers").
		WithArgs(requestID, chosenID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.acceptRequest(context.Background(), receiverID, requestID, chosenID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAcceptRequestRacedUpdate(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()
	desiredID := uuid.New()
	chosenID := uuid.New()

	first, second := desiredID, chosenID
	if second.String() < first.String() {
		first, second = second, first
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, desiredID, nil, models.RequestStatePending))
	mock.ExpectQuery("SELECT 1 FROM request_offers").
		WithArgs(requestID, chosenID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	for _, bookID := range []uuid.UUID{first, second} {
		mock.ExpectQuery("SELECT available FROM books").
			WithArgs(bookID).
			WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(true))
		mock.ExpectQuery("SELECT 1 FROM exchanges").
			WithArgs(models.ExchangeStateAccepted, bookID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	}
	// Параллельный вызов успел первым: условное обновление не сработало
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateAccepted, chosenID, requestID, models.RequestStatePending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := s.acceptRequest(context.Background(), receiverID, requestID, chosenID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAcceptRequestBookBusy(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()
	desiredID := uuid.New()
	chosenID := uuid.New()

	first, _ := desiredID, chosenID
	if chosenID.String() < desiredID.String() {
		first = chosenID
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, desiredID, nil, models.RequestStatePending))
	mock.ExpectQuery("SELECT 1 FROM request_offers").
		WithArgs(requestID, chosenID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT available FROM books").
		WithArgs(first).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(true))
	mock.ExpectQuery("SELECT 1 FROM exchanges").
		WithArgs(models.ExchangeStateAccepted, first).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.acceptRequest(context.Background(), receiverID, requestID, chosenID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRejectRequestSuccess(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "state"}).
			AddRow(requestID, uuid.New(), receiverID, models.RequestStatePending))
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateRejected, requestID, models.RequestStatePending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.rejectRequest(context.Background(), receiverID, requestID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectRequestWrongUser(t *testing.T) {
	s, mock := newMockService(t)

	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "state"}).
			AddRow(requestID, uuid.New(), uuid.New(), models.RequestStatePending))

	err := s.rejectRequest(context.Background(), uuid.New(), requestID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestCancelRequestOnlyRequester(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "state"}).
			AddRow(requestID, requesterID, uuid.New(), models.RequestStatePending))
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateCanceled, requestID, models.RequestStatePending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.cancelRequest(context.Background(), requesterID, requestID)
	require.NoError(t, err)
}

func TestCancelRequestAlreadyDecided(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_id", "receiver_id", "state"}).
			AddRow(requestID, requesterID, uuid.New(), models.RequestStateAccepted))

	err := s.cancelRequest(context.Background(), requesterID, requestID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCloseRequestMissing(t *testing.T) {
	s, mock := newMockService(t)

	requestID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchange_requests").
		WithArgs(requestID).
		WillReturnError(pgx.ErrNoRows)

	err := s.rejectRequest(context.Background(), uuid.New(), requestID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
