package models

import (
	"time"

	"github.com/google/uuid"
)

// Границы оценки
const (
	RatingScoreMin = 1
	RatingScoreMax = 5
)

// Rating представляет оценку контрагента по завершённому обмену.
// Уникальный индекс (exchange_id, rater_id) гарантирует не больше
// одной оценки от каждого участника.
type Rating struct {
	ID         uuid.UUID `json:"id"`
	ExchangeID uuid.UUID `json:"exchange_id"`
	RaterID    uuid.UUID `json:"rater_id"`
	RatedID    uuid.UUID `json:"rated_id"`
	Score      int       `json:"score"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RatingSummary содержит агрегированную репутацию пользователя
type RatingSummary struct {
	UserID uuid.UUID `json:"user_id"`
	Avg    *float64  `json:"avg,omitempty"`
	Count  int       `json:"count"`
}
