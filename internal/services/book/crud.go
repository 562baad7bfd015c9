package book

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/bookswap-api/internal/apperr"
	"github.com/rajivgeraev/bookswap-api/internal/guard"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// bookPayload описывает тело запроса на создание книги
type bookPayload struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn"`
	PublicationYear int    `json:"publication_year"`
	Condition       string `json:"condition"`
	Description     string `json:"description"`
	Publisher       string `json:"publisher"`
	Genre           string `json:"genre"`
	CoverType       string `json:"cover_type"`
}

func (p *bookPayload) trim() {
	p.Title = strings.TrimSpace(p.Title)
	p.Author = strings.TrimSpace(p.Author)
	p.ISBN = strings.TrimSpace(p.ISBN)
}

// bookUpdatePayload описывает тело запроса на редактирование. Указатели отличают
// "поле не прислано" от "поле сброшено".
type bookUpdatePayload struct {
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	ISBN            *string `json:"isbn"`
	PublicationYear *int    `json:"publication_year"`
	Condition       *string `json:"condition"`
	Description     *string `json:"description"`
	Publisher       *string `json:"publisher"`
	Genre           *string `json:"genre"`
	CoverType       *string `json:"cover_type"`
	Available       *bool   `json:"available"`
}

// getBook возвращает книгу по ID
func (s *BookService) getBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error) {
	var book models.Book
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, author, isbn, publication_year, condition, description,
		       publisher, genre, cover_type, available, created_at, updated_at
		FROM books
		WHERE id = $1`, bookID).
		Scan(&book.ID, &book.UserID, &book.Title, &book.Author, &book.ISBN, &book.PublicationYear,
			&book.Condition, &book.Description, &book.Publisher, &book.Genre, &book.CoverType,
			&book.Available, &book.CreatedAt, &book.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Книга не найдена")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения книги: %w", err)
	}
	return &book, nil
}

// updateBook применяет присланные поля к книге. Книга, побывавшая в
// завершенном обмене, остается неизменной записью истории.
func (s *BookService) updateBook(ctx context.Context, userID, bookID uuid.UUID, payload *bookUpdatePayload) (*models.Book, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var book models.Book
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, title, author, isbn, publication_year, condition, description,
		       publisher, genre, cover_type, available, created_at, updated_at
		FROM books
		WHERE id = $1
		FOR UPDATE`, bookID).
		Scan(&book.ID, &book.UserID, &book.Title, &book.Author, &book.ISBN, &book.PublicationYear,
			&book.Condition, &book.Description, &book.Publisher, &book.Genre, &book.CoverType,
			&book.Available, &book.CreatedAt, &book.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ErrNotFound, "Книга не найдена")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения книги: %w", err)
	}

	if book.UserID != userID {
		return nil, apperr.New(apperr.ErrPermissionDenied, "редактировать можно только свои книги")
	}

	completed, err := guard.CompletedLock(ctx, tx, bookID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки истории обменов: %w", err)
	}
	if completed {
		return nil, apperr.New(apperr.ErrConflict, "книга участвовала в завершенном обмене и не может быть изменена")
	}

	if payload.Title != nil {
		book.Title = strings.TrimSpace(*payload.Title)
	}
	if payload.Author != nil {
		book.Author = strings.TrimSpace(*payload.Author)
	}
	if book.Title == "" || book.Author == "" {
		return nil, apperr.New(apperr.ErrValidation, "название и автор обязательны")
	}
	if payload.ISBN != nil {
		book.ISBN = strings.TrimSpace(*payload.ISBN)
	}
	if payload.PublicationYear != nil {
		book.PublicationYear = *payload.PublicationYear
	}
	if payload.Condition != nil {
		book.Condition = *payload.Condition
	}
	if payload.Description != nil {
		book.Description = *payload.Description
	}
	if payload.Publisher != nil {
		book.Publisher = *payload.Publisher
	}
	if payload.Genre != nil {
		book.Genre = *payload.Genre
	}
	if payload.CoverType != nil {
		book.CoverType = *payload.CoverType
	}
	if payload.Available != nil {
		// Снять с обмена книгу, занятую активным обменом, нельзя
		if !*payload.Available {
			locked, err := guard.Locked(ctx, tx, bookID)
			if err != nil {
				return nil, fmt.Errorf("ошибка проверки занятости книги: %w", err)
			}
			if locked {
				return nil, apperr.New(apperr.ErrConflict, "книга занята активным обменом")
			}
		}
		book.Available = *payload.Available
	}

	_, err = tx.Exec(ctx, `
		UPDATE books
		SET title = $1, author = $2, isbn = $3, publication_year = $4, condition = $5,
		    description = $6, publisher = $7, genre = $8, cover_type = $9, available = $10,
		    updated_at = NOW()
		WHERE id = $11`,
		book.Title, book.Author, book.ISBN, book.PublicationYear, book.Condition,
		book.Description, book.Publisher, book.Genre, book.CoverType, book.Available, bookID)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления книги: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return &book, nil
}

// deleteBook удаляет книгу вместе со связанной активностью: ожидающие
// заявки закрываются, активные обмены отменяются, предложения с этой
// книгой убираются. Книгу из завершенного обмена удалить нельзя.
func (s *BookService) deleteBook(ctx context.Context, userID, bookID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT user_id FROM books WHERE id = $1 FOR UPDATE`, bookID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.ErrNotFound, "Книга не найдена")
	}
	if err != nil {
		return fmt.Errorf("ошибка получения книги: %w", err)
	}
	if ownerID != userID {
		return apperr.New(apperr.ErrPermissionDenied, "удалять можно только свои книги")
	}

	completed, err := guard.CompletedLock(ctx, tx, bookID)
	if err != nil {
		return fmt.Errorf("ошибка проверки истории обменов: %w", err)
	}
	if completed {
		return apperr.New(apperr.ErrConflict, "книга участвовала в завершенном обмене и не может быть удалена")
	}

	// Заявки активных обменов с этой книгой закрываются вместе с обменами
	_, err = tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, updated_at = NOW()
		WHERE id IN (
			SELECT request_id FROM exchanges
			WHERE state = $2 AND (desired_book_id = $3 OR accepted_book_id = $3)
		)`, models.RequestStateCanceled, models.ExchangeStateAccepted, bookID)
	if err != nil {
		return fmt.Errorf("ошибка закрытия заявок обменов: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE exchanges
		SET state = $1, updated_at = NOW()
		WHERE state = $2 AND (desired_book_id = $3 OR accepted_book_id = $3)`,
		models.ExchangeStateCanceled, models.ExchangeStateAccepted, bookID)
	if err != nil {
		return fmt.Errorf("ошибка отмены обменов: %w", err)
	}

	// Ожидающие заявки на эту книгу отклоняются
	_, err = tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, updated_at = NOW()
		WHERE desired_book_id = $2 AND state = $3`,
		models.RequestStateRejected, bookID, models.RequestStatePending)
	if err != nil {
		return fmt.Errorf("ошибка отклонения заявок: %w", err)
	}

	// Ожидающие заявки, где книга была предложена, отменяются
	_, err = tx.Exec(ctx, `
		UPDATE exchange_requests
		SET state = $1, updated_at = NOW()
		WHERE state = $2 AND id IN (
			SELECT request_id FROM request_offers WHERE offered_book_id = $3
		)`, models.RequestStateCanceled, models.RequestStatePending, bookID)
	if err != nil {
		return fmt.Errorf("ошибка отмены заявок с предложенной книгой: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM request_offers WHERE offered_book_id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("ошибка удаления предложений: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM books WHERE id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("ошибка удаления книги: %w", err)
	}

	return tx.Commit(ctx)
}

// scanBooks читает строки каталога в список книг
func scanBooks(rows pgx.Rows) ([]models.Book, error) {
	books := []models.Book{}
	for rows.Next() {
		var b models.Book
		err := rows.Scan(&b.ID, &b.UserID, &b.Title, &b.Author, &b.ISBN, &b.PublicationYear, &b.Condition,
			&b.Description, &b.Publisher, &b.Genre, &b.CoverType, &b.Available, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}
