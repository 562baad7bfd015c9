package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", New(ErrNotFound, "Книга не найдена"), http.StatusNotFound},
		{"validation", New(ErrValidation, "некорректные данные"), http.StatusBadRequest},
		{"permission", New(ErrPermissionDenied, "доступ запрещен"), http.StatusForbidden},
		{"conflict", New(ErrConflict, "заявка уже принята"), http.StatusConflict},
		{"expired", New(ErrExpired, "код истек"), http.StatusGone},
		{"unknown", errors.New("сбой сети"), http.StatusInternalServerError},
		{"nil-like wrap", fmt.Errorf("внешний слой: %w", New(ErrConflict, "гонка")), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorMessageAndKind(t *testing.T) {
	err := New(ErrNotFound, "Обмен не найден")

	assert.Equal(t, "Обмен не найден", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestNewf(t *testing.T) {
	err := Newf(ErrValidation, "в заявке должно быть от %d до %d книг", 1, 3)

	assert.Equal(t, "в заявке должно быть от 1 до 3 книг", err.Error())
	assert.True(t, errors.Is(err, ErrValidation))
}
