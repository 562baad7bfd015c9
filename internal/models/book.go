package models

import (
	"time"

	"github.com/google/uuid"
)

// Book представляет книгу, выставленную владельцем на обмен.
// Поле Available означает "снята/не снята с обмена владельцем". Бронь книги
// активным обменом по нему не определяется, она выводится из таблицы
// exchanges (см. пакет guard).
type Book struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn,omitempty"`
	PublicationYear int       `json:"publication_year,omitempty"`
	Condition       string    `json:"condition,omitempty"`
	Description     string    `json:"description,omitempty"`
	Publisher       string    `json:"publisher,omitempty"`
	Genre           string    `json:"genre,omitempty"`
	CoverType       string    `json:"cover_type,omitempty"`
	Available       bool      `json:"available"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Дополнительные поля для API
	Owner *User `json:"owner,omitempty"`
}
