package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation представляет чат двух участников обмена. Создается один раз,
// в момент принятия заявки, вместе с самим обменом.
type Conversation struct {
	ID              uuid.UUID  `json:"id"`
	ExchangeID      uuid.UUID  `json:"exchange_id"`
	RequesterID     uuid.UUID  `json:"requester_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id"`
	LastMessageID   int64      `json:"last_message_id"`
	LastMessageText string     `json:"last_message_text,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Дополнительные поля для API
	Counterpart   *User  `json:"counterpart,omitempty"`
	ExchangeState string `json:"exchange_state,omitempty"`
	UnreadCount   int64  `json:"unread_count"`
	Muted         bool   `json:"muted"`
	Archived      bool   `json:"archived"`
}

// ConversationParticipant хранит состояние чтения и настройки участника чата
type ConversationParticipant struct {
	ConversationID    uuid.UUID `json:"conversation_id"`
	UserID            uuid.UUID `json:"user_id"`
	LastSeenMessageID int64     `json:"last_seen_message_id"`
	Muted             bool      `json:"muted"`
	Archived          bool      `json:"archived"`
	CreatedAt         time.Time `json:"created_at"`
}

// Message представляет сообщение в чате. Идентификаторы сообщений
// монотонно растут (BIGSERIAL), на этом держится подсчет непрочитанного.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Text           string    `json:"text"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Дополнительные поля для API
	Sender *User `json:"sender,omitempty"`
}
