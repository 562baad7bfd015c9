// Пакет guard отвечает на вопрос, можно ли книгу предлагать, запрашивать
// или принимать. Бронь книги не хранится отдельным флагом: принятый обмен
// "мягко" резервирует обе книги (запрошенную и выбранную из предложенных),
// и эта бронь выводится запросом по таблице exchanges. Так исключается
// расхождение флага и фактического состояния при гонках.
package guard

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/models"
)

// Locked сообщает, занята ли книга обменом в состоянии accepted
// (в роли запрошенной или принятой предложенной)
func Locked(ctx context.Context, q db.Querier, bookID uuid.UUID) (bool, error) {
	var locked bool
	err := q.QueryRow(ctx, `
        SELECT EXISTS(
            SELECT 1 FROM exchanges
            WHERE state = $1 AND (desired_book_id = $2 OR accepted_book_id = $2)
        )
    `, models.ExchangeStateAccepted, bookID).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки брони книги %s: %w", bookID, err)
	}
	return locked, nil
}

// CompletedLock сообщает, участвовала ли книга в завершённом обмене.
// Такая книга навсегда закрыта для редактирования и удаления.
func CompletedLock(ctx context.Context, q db.Querier, bookID uuid.UUID) (bool, error) {
	var locked bool
	err := q.QueryRow(ctx, `
        SELECT EXISTS(
            SELECT 1 FROM exchanges
            WHERE state = $1 AND (desired_book_id = $2 OR accepted_book_id = $2)
        )
    `, models.ExchangeStateCompleted, bookID).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки завершённых обменов книги %s: %w", bookID, err)
	}
	return locked, nil
}

// Offerable проверяет, что книга доступна и не забронирована активным
// обменом, условие и для запрашиваемой, и для предлагаемой стороны
func Offerable(ctx context.Context, q db.Querier, bookID uuid.UUID) (bool, error) {
	var available bool
	err := q.QueryRow(ctx, `
        SELECT available FROM books WHERE id = $1
    `, bookID).Scan(&available)
	if err != nil {
		return false, fmt.Errorf("ошибка чтения книги %s: %w", bookID, err)
	}
	if !available {
		return false, nil
	}

	locked, err := Locked(ctx, q, bookID)
	if err != nil {
		return false, err
	}
	return !locked, nil
}
