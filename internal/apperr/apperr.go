package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Базовые категории ошибок бизнес-логики. Конкретные ошибки создаются через
// New и оборачивают одну из категорий, поэтому проверка делается errors.Is.
var (
	ErrNotFound         = errors.New("объект не найден")
	ErrValidation       = errors.New("некорректные данные")
	ErrPermissionDenied = errors.New("операция запрещена")
	ErrConflict         = errors.New("конфликт состояния")
	ErrExpired          = errors.New("срок действия истёк")
)

// Error несёт пользовательское сообщение поверх категории
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// New создает ошибку указанной категории с пользовательским сообщением
func New(kind error, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf создает ошибку категории с форматированным сообщением
func Newf(kind error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// HTTPStatus сопоставляет категорию ошибки с HTTP-статусом.
// Неизвестные ошибки считаются внутренними.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
