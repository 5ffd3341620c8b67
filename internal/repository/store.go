package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
)

// GetDiscountByCode возвращает скидку по её коду.
func (r *PostgresRepository) GetDiscountByCode(ctx context.Context, code string) (*model.Discount, error) {
	var (
		d          model.Discount
		amountOffC *int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, code_name, percent_off, amount_off, start_date, end_date, one_time, used, waive_required_donation
		 FROM discounts WHERE code_name = $1`,
		code,
	).Scan(&d.ID, &d.CodeName, &d.PercentOff, &amountOffC, &d.StartDate, &d.EndDate,
		&d.OneTime, &d.Used, &d.WaiveRequiredDonation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscountNotFound
		}
		return nil, fmt.Errorf("get discount: %w", err)
	}

	if amountOffC != nil {
		v := money.FromCents(*amountOffC)
		d.AmountOff = &v
	}
	return &d, nil
}

// ConsumeDiscount атомарно увеличивает счётчик использований скидки.
// Для разовой скидки инкремент проходит только если она ещё не использована,
// поэтому два конкурентных оформления не могут израсходовать её дважды.
// Счётчик никогда не уменьшается, даже если заказ позже вернут.
func (r *PostgresRepository) ConsumeDiscount(ctx context.Context, discountID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE discounts SET used = used + 1 WHERE id = $1 AND (NOT one_time OR used = 0)`,
		discountID,
	)
	if err != nil {
		return false, fmt.Errorf("consume discount: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertWebhookNotification сохраняет входящее уведомление. Повторная доставка
// с тем же event_id не изменяет данные и возвращает ErrDuplicateEvent.
func (r *PostgresRepository) InsertWebhookNotification(ctx context.Context, n *model.PaymentWebhookNotification) error {
	headers, err := json.Marshal(n.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO payment_webhook_notifications (event_id, event_type, body, headers)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING id, created_at`,
		n.EventID, n.EventType, []byte(n.Body), headers,
	).Scan(&n.ID, &n.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, n.EventID)
		}
		return fmt.Errorf("insert webhook notification: %w", err)
	}
	return nil
}

// MarkWebhookProcessed фиксирует результат маршрутизации уведомления.
func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, id int64, processed bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_webhook_notifications SET processed = $2 WHERE id = $1`,
		id, processed,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// CreateCashdrawerEntry дописывает строку в журнал денежного ящика.
func (r *PostgresRepository) CreateCashdrawerEntry(ctx context.Context, e *model.CashdrawerEntry) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cashdrawer (action, total, tendered, operator, terminal)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		string(e.Action), money.ToCents(e.Total), money.ToCents(e.Tendered), e.User, e.Terminal,
	).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert cashdrawer entry: %w", err)
	}
	return nil
}

// DrawerTotal возвращает сумму всех строк журнала денежного ящика.
// Пустой журнал — ErrEmptyDrawer.
func (r *PostgresRepository) DrawerTotal(ctx context.Context) (decimal.Decimal, error) {
	var (
		count  int64
		totalC int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total), 0) FROM cashdrawer`,
	).Scan(&count, &totalC)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum cashdrawer: %w", err)
	}
	if count == 0 {
		return decimal.Zero, ErrEmptyDrawer
	}
	return money.FromCents(totalC), nil
}

// AddBanEntries добавляет записи в чёрный список.
func (r *PostgresRepository) AddBanEntries(ctx context.Context, entries []model.BanListEntry) error {
	for _, e := range entries {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO ban_list (first_name, last_name, email, reason) VALUES ($1, $2, $3, $4)`,
			e.FirstName, e.LastName, e.Email, e.Reason,
		)
		if err != nil {
			return fmt.Errorf("insert ban entry: %w", err)
		}
	}
	return nil
}
