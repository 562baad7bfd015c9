package models

import (
	"time"

	"github.com/google/uuid"
)

// Состояния заявки на обмен
const (
	RequestStatePending  = "pending"
	RequestStateAccepted = "accepted"
	RequestStateRejected = "rejected"
	RequestStateCanceled = "canceled"
)

// Состояния обмена. Обмен появляется только после принятия заявки,
// поэтому состояния "pending" у него нет.
const (
	ExchangeStateAccepted  = "accepted"
	ExchangeStateCompleted = "completed"
	ExchangeStateCanceled  = "canceled"
)

// MeetingPlaceUndecided подставляется вместо места встречи, пока стороны не договорились
const MeetingPlaceUndecided = "Место уточняется"

// Количество книг, которые можно предложить в одной заявке
const (
	MinOffersPerRequest = 1
	MaxOffersPerRequest = 3
)

// ExchangeRequest представляет заявку на обмен: отправитель хочет получить
// desired_book и предлагает взамен от одной до трёх своих книг
type ExchangeRequest struct {
	ID             uuid.UUID  `json:"id"`
	RequesterID    uuid.UUID  `json:"requester_id"`
	ReceiverID     uuid.UUID  `json:"receiver_id"`
	DesiredBookID  uuid.UUID  `json:"desired_book_id"`
	AcceptedBookID *uuid.UUID `json:"accepted_book_id,omitempty"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Дополнительные поля для API
	Requester      *User          `json:"requester,omitempty"`
	Receiver       *User          `json:"receiver,omitempty"`
	DesiredBook    *Book          `json:"desired_book,omitempty"`
	Offers         []RequestOffer `json:"offers,omitempty"`
	ExchangeID     *uuid.UUID     `json:"exchange_id,omitempty"`
	ConversationID *uuid.UUID     `json:"conversation_id,omitempty"`
}

// RequestOffer представляет одну предложенную книгу в заявке.
// Набор предложений фиксируется при создании заявки и не меняется.
type RequestOffer struct {
	ID            uuid.UUID `json:"id"`
	RequestID     uuid.UUID `json:"request_id"`
	OfferedBookID uuid.UUID `json:"offered_book_id"`

	OfferedBook *Book `json:"offered_book,omitempty"`
}

// Exchange представляет принятый обмен между двумя пользователями
type Exchange struct {
	ID               uuid.UUID  `json:"id"`
	RequestID        uuid.UUID  `json:"request_id"`
	RequesterID      uuid.UUID  `json:"requester_id"`
	ReceiverID       uuid.UUID  `json:"receiver_id"`
	DesiredBookID    uuid.UUID  `json:"desired_book_id"`
	AcceptedBookID   uuid.UUID  `json:"accepted_book_id"`
	State            string     `json:"state"`
	MeetingPlace     string     `json:"meeting_place"`
	MeetingTime      *time.Time `json:"meeting_time,omitempty"`
	MeetingConfirmed bool       `json:"meeting_confirmed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// Дополнительные поля для API
	Requester    *User      `json:"requester,omitempty"`
	Receiver     *User      `json:"receiver,omitempty"`
	DesiredBook  *Book      `json:"desired_book,omitempty"`
	AcceptedBook *Book      `json:"accepted_book,omitempty"`
	ChatID       *uuid.UUID `json:"chat_id,omitempty"`
}

// ExchangeCode представляет одноразовый код завершения обмена.
// Код генерирует владелец запрошенной книги, а вводит его отправитель заявки.
type ExchangeCode struct {
	ExchangeID uuid.UUID  `json:"exchange_id"`
	Code       string     `json:"code"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
