package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

func TestProposeMeetingValidation(t *testing.T) {
	s, _ := newMockService(t)

	err := s.proposeMeeting(context.Background(), uuid.New(), uuid.New(), "   ", time.Now())
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = s.proposeMeeting(context.Background(), uuid.New(), uuid.New(), "Библиотека", time.Time{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestProposeMeetingSuccess(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(receiverID, models.ExchangeStateAccepted))
	mock.ExpectExec("UPDATE exchanges SET meeting_place").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.proposeMeeting(context.Background(), receiverID, exchangeID, "Кафе на Невском", time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposeMeetingOnlyReceiver(t *testing.T) {
	s, mock := newMockService(t)

	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(uuid.New(), models.ExchangeStateAccepted))

	err := s.proposeMeeting(context.Background(), uuid.New(), exchangeID, "Парк", time.Now())
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestProposeMeetingClosedExchange(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(receiverID, models.ExchangeStateCanceled))

	err := s.proposeMeeting(context.Background(), receiverID, exchangeID, "Парк", time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestConfirmMeetingSuccess(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()
	meetingTime := time.Now().Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT requester_id, state, meeting_time FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "state", "meeting_time"}).
			AddRow(requesterID, models.ExchangeStateAccepted, &meetingTime))
	mock.ExpectExec("UPDATE exchanges SET meeting_confirmed").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.confirmMeeting(context.Background(), requesterID, exchangeID, true)
	require.NoError(t, err)
}

func TestConfirmMeetingDeclineResets(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()
	meetingTime := time.Now().Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT requester_id, state, meeting_time FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "state", "meeting_time"}).
			AddRow(requesterID, models.ExchangeStateAccepted, &meetingTime))
	mock.ExpectExec("UPDATE exchanges SET meeting_place").
		WithArgs(models.MeetingPlaceUndecided, exchangeID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.confirmMeeting(context.Background(), requesterID, exchangeID, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmMeetingWithoutProposal(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT requester_id, state, meeting_time FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "state", "meeting_time"}).
			AddRow(requesterID, models.ExchangeStateAccepted, nil))

	err := s.confirmMeeting(context.Background(), requesterID, exchangeID, true)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestGenerateCodeAuto(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(receiverID, models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO exchange_codes").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	code, expiresAt, err := s.generateCode(context.Background(), receiverID, exchangeID, "")
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.True(t, expiresAt.After(time.Now().Add(29*24*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateCodeCustomNormalized(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(receiverID, models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"used_at"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO exchange_codes").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	code, _, err := s.generateCode(context.Background(), receiverID, exchangeID, " kniga7 ")
	require.NoError(t, err)
	assert.Equal(t, "KNIGA7", code)
}

func TestGenerateCodeTooLong(t *testing.T) {
	s, _ := newMockService(t)

	_, _, err := s.generateCode(context.Background(), uuid.New(), uuid.New(), "СЛИШКОМДЛИННЫЙКОД")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGenerateCodeAlreadyUsed(t *testing.T) {
	s, mock := newMockService(t)

	receiverID := uuid.New()
	exchangeID := uuid.New()
	usedAt := time.Now().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(receiverID, models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"used_at"}).AddRow(&usedAt))

	_, _, err := s.generateCode(context.Background(), receiverID, exchangeID, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestGenerateCodeOnlyReceiver(t *testing.T) {
	s, mock := newMockService(t)

	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"receiver_id", "state"}).AddRow(uuid.New(), models.ExchangeStateAccepted))

	_, _, err := s.generateCode(context.Background(), uuid.New(), exchangeID, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func expectCompleteFirstTx(mock pgxmock.PgxPoolIface, exchangeID, requesterID, receiverID, desiredID, acceptedID uuid.UUID, stored string, expiresAt time.Time) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requesterID, receiverID, desiredID, acceptedID, models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT code, expires_at, used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"code", "expires_at", "used_at"}).AddRow(stored, expiresAt, nil))
	mock.ExpectExec("UPDATE exchange_codes SET used_at").
		WithArgs(exchangeID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
}

func TestCompleteWithCodeSuccess(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	receiverID := uuid.New()
	exchangeID := uuid.New()
	desiredID := uuid.New()
	acceptedID := uuid.New()
	completedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	expectCompleteFirstTx(mock, exchangeID, requesterID, receiverID, desiredID, acceptedID, "ABC234", time.Now().Add(time.Hour))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE exchanges SET state").
		WithArgs(models.ExchangeStateCompleted, completedAt.UTC(), exchangeID, models.ExchangeStateAccepted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE books SET available").
		WithArgs(desiredID, acceptedID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	result, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "abc234", completedAt)
	require.NoError(t, err)
	assert.Equal(t, requesterID, result.RequesterID)
	assert.Equal(t, receiverID, result.ReceiverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWithCodeWrongCode(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requesterID, uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT code, expires_at, used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"code", "expires_at", "used_at"}).
			AddRow("ABC234", time.Now().Add(time.Hour), nil))

	_, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "XYZ789", time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteWithCodeExpired(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requesterID, uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT code, expires_at, used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"code", "expires_at", "used_at"}).
			AddRow("ABC234", time.Now().Add(-time.Minute), nil))

	_, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "ABC234", time.Now())
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestCompleteWithCodeAlreadyUsed(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()
	usedAt := time.Now().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requesterID, uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT code, expires_at, used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"code", "expires_at", "used_at"}).
			AddRow("ABC234", time.Now().Add(time.Hour), &usedAt))

	_, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "ABC234", time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteWithCodeNotIssued(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(requesterID, uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))
	mock.ExpectQuery("SELECT code, expires_at, used_at FROM exchange_codes").
		WithArgs(exchangeID).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "ABC234", time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteWithCodeOnlyRequester(t *testing.T) {
	s, mock := newMockService(t)

	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"requester_id", "receiver_id", "desired_book_id", "accepted_book_id", "state"}).
			AddRow(uuid.New(), uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))

	_, err := s.completeWithCode(context.Background(), uuid.New(), exchangeID, "ABC234", time.Now())
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestCompleteWithCodeCompensatesOnFailure(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	receiverID := uuid.New()
	exchangeID := uuid.New()
	desiredID := uuid.New()
	acceptedID := uuid.New()
	completedAt := time.Now()

	expectCompleteFirstTx(mock, exchangeID, requesterID, receiverID, desiredID, acceptedID, "ABC234", time.Now().Add(time.Hour))

	// Завершение сорвалось после погашения кода
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE exchanges SET state").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	// Компенсация: код возвращается в оборот
	mock.ExpectExec("UPDATE exchange_codes SET used_at").
		WithArgs(exchangeID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err := s.completeWithCode(context.Background(), requesterID, exchangeID, "ABC234", completedAt)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelExchangeByParticipant(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	receiverID := uuid.New()
	requestID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT request_id, requester_id, receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "requester_id", "receiver_id", "state"}).
			AddRow(requestID, requesterID, receiverID, models.ExchangeStateAccepted))
	mock.ExpectExec("UPDATE exchanges SET state").
		WithArgs(models.ExchangeStateCanceled, exchangeID, models.ExchangeStateAccepted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE exchange_requests SET state").
		WithArgs(models.RequestStateCanceled, requestID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := s.cancelExchange(context.Background(), receiverID, exchangeID)
	require.NoError(t, err)
	assert.Equal(t, requesterID, result.RequesterID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelExchangeStranger(t *testing.T) {
	s, mock := newMockService(t)

	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT request_id, requester_id, receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "requester_id", "receiver_id", "state"}).
			AddRow(uuid.New(), uuid.New(), uuid.New(), models.ExchangeStateAccepted))

	_, err := s.cancelExchange(context.Background(), uuid.New(), exchangeID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestCancelExchangeAlreadyClosed(t *testing.T) {
	s, mock := newMockService(t)

	requesterID := uuid.New()
	exchangeID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT request_id, requester_id, receiver_id, state FROM exchanges").
		WithArgs(exchangeID).
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "requester_id", "receiver_id", "state"}).
			AddRow(uuid.New(), requesterID, uuid.New(), models.ExchangeStateCompleted))

	_, err := s.cancelExchange(context.Background(), requesterID, exchangeID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
