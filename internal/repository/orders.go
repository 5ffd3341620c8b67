package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
)

const orderColumns = `id, total, status, reference, created_date, settled_date, discount_id,
	org_donation, charity_donation, notes, billing_name, billing_address1, billing_address2,
	billing_city, billing_state, billing_country, billing_postal, billing_email, billing_type,
	last_four, api_data`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o                      model.Order
		totalC, orgC, charityC int64
		status, billingType    string
		apiData                []byte
	)

	err := row.Scan(
		&o.ID, &totalC, &status, &o.Reference, &o.CreatedDate, &o.SettledDate, &o.DiscountID,
		&orgC, &charityC, &o.Notes, &o.BillingName, &o.BillingAddress1, &o.BillingAddress2,
		&o.BillingCity, &o.BillingState, &o.BillingCountry, &o.BillingPostal, &o.BillingEmail,
		&billingType, &o.LastFour, &apiData,
	)
	if err != nil {
		return nil, err
	}

	o.Total = money.FromCents(totalC)
	o.OrgDonation = money.FromCents(orgC)
	o.CharityDonation = money.FromCents(charityC)
	o.Status = model.OrderStatus(status)
	o.BillingType = model.BillingType(billingType)

	if len(apiData) > 0 {
		var snapshot model.PaymentSnapshot
		if err := json.Unmarshal(apiData, &snapshot); err != nil {
			return nil, fmt.Errorf("decode api data: %w", err)
		}
		o.APIData = &snapshot
	}

	return &o, nil
}

func encodeSnapshot(s *model.PaymentSnapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode api data: %w", err)
	}
	return buf, nil
}

// CreateOrder сохраняет новый заказ. При коллизии кода подтверждения возвращает
// ErrReferenceExists, чтобы вызывающая сторона сгенерировала код заново.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	apiData, err := encodeSnapshot(o.APIData)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO orders (total, status, reference, settled_date, discount_id, org_donation,
			charity_donation, notes, billing_name, billing_address1, billing_address2, billing_city,
			billing_state, billing_country, billing_postal, billing_email, billing_type, last_four, api_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id, created_date`,
		money.ToCents(o.Total), string(o.Status), o.Reference, o.SettledDate, o.DiscountID,
		money.ToCents(o.OrgDonation), money.ToCents(o.CharityDonation), o.Notes,
		o.BillingName, o.BillingAddress1, o.BillingAddress2, o.BillingCity, o.BillingState,
		o.BillingCountry, o.BillingPostal, o.BillingEmail, string(o.BillingType), o.LastFour, apiData,
	).Scan(&o.ID, &o.CreatedDate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrReferenceExists, o.Reference)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// UpdateOrder сохраняет изменяемые поля заказа.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *model.Order) error {
	apiData, err := encodeSnapshot(o.APIData)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET total = $2, status = $3, settled_date = $4, discount_id = $5,
			org_donation = $6, charity_donation = $7, notes = $8, billing_name = $9,
			billing_address1 = $10, billing_address2 = $11, billing_city = $12, billing_state = $13,
			billing_country = $14, billing_postal = $15, billing_email = $16, billing_type = $17,
			last_four = $18, api_data = $19
		 WHERE id = $1`,
		o.ID, money.ToCents(o.Total), string(o.Status), o.SettledDate, o.DiscountID,
		money.ToCents(o.OrgDonation), money.ToCents(o.CharityDonation), o.Notes,
		o.BillingName, o.BillingAddress1, o.BillingAddress2, o.BillingCity, o.BillingState,
		o.BillingCountry, o.BillingPostal, o.BillingEmail, string(o.BillingType), o.LastFour, apiData,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderByReference возвращает заказ по коду подтверждения.
func (r *PostgresRepository) GetOrderByReference(ctx context.Context, reference string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reference = $1 ORDER BY id LIMIT 1`,
		reference,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by reference: %w", err)
	}
	return o, nil
}

// GetOrderByPaymentID находит заказ по идентификатору платежа в снимке данных шлюза.
func (r *PostgresRepository) GetOrderByPaymentID(ctx context.Context, paymentID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE api_data->'payment'->>'id' = $1 ORDER BY id LIMIT 1`,
		paymentID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by payment id: %w", err)
	}
	return o, nil
}

// GetOrderByRefundID находит заказ, в снимке которого сохранён указанный возврат.
func (r *PostgresRepository) GetOrderByRefundID(ctx context.Context, refundID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE api_data->'refunds' @> jsonb_build_array(jsonb_build_object('id', $1::text))
		 ORDER BY id LIMIT 1`,
		refundID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by refund id: %w", err)
	}
	return o, nil
}

// RefundExists сообщает, сохранён ли возврат с указанным идентификатором
// в снимке какого-либо заказа. Второй слой дедупликации под event_id:
// один и тот же возврат может прийти повторно под другим event_id.
func (r *PostgresRepository) RefundExists(ctx context.Context, refundID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE api_data->'refunds' @> jsonb_build_array(jsonb_build_object('id', $1::text))
		)`,
		refundID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refund exists: %w", err)
	}
	return exists, nil
}

// AttachOrderItems привязывает позиции корзины к заказу. Если хоть одна позиция
// отсутствует или уже привязана, транзакция откатывается целиком.
func (r *PostgresRepository) AttachOrderItems(ctx context.Context, orderID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE order_items SET order_id = $1 WHERE id = ANY($2) AND order_id IS NULL`,
		orderID, itemIDs,
	)
	if err != nil {
		return fmt.Errorf("attach order items: %w", err)
	}
	if tag.RowsAffected() != int64(len(itemIDs)) {
		return ErrItemsUnavailable
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) loadLineItems(ctx context.Context, where string, arg any) ([]model.LineItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT oi.id, oi.order_id, oi.badge_id, oi.price_level_id, oi.entered_by, oi.entered_date,
			b.badge_name, b.first_name, b.last_name, b.email,
			pl.id, pl.name, pl.base_price
		 FROM order_items oi
		 JOIN badges b ON b.id = oi.badge_id
		 JOIN price_levels pl ON pl.id = oi.price_level_id
		 WHERE `+where+`
		 ORDER BY oi.id`,
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.LineItem
	ids := make([]int64, 0)
	index := make(map[int64]int)

	for rows.Next() {
		var (
			li         model.LineItem
			basePriceC int64
		)
		err := rows.Scan(
			&li.Item.ID, &li.Item.OrderID, &li.Item.BadgeID, &li.Item.PriceLevelID,
			&li.Item.EnteredBy, &li.Item.EnteredDate,
			&li.Badge.BadgeName, &li.Badge.FirstName, &li.Badge.LastName, &li.Badge.Email,
			&li.Level.ID, &li.Level.Name, &basePriceC,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		li.Badge.ID = li.Item.BadgeID
		li.Level.BasePrice = money.FromCents(basePriceC)

		index[li.Item.ID] = len(items)
		ids = append(ids, li.Item.ID)
		items = append(items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return items, nil
	}

	optRows, err := r.pool.Query(ctx,
		`SELECT ao.order_item_id, plo.id, plo.option_name, plo.price, plo.extra_type, plo.quantity, ao.option_value
		 FROM attendee_options ao
		 JOIN price_level_options plo ON plo.id = ao.option_id
		 WHERE ao.order_item_id = ANY($1)
		 ORDER BY plo.option_name`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select attendee options: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var (
			itemID int64
			opt    model.AttendeeOption
			priceC int64
		)
		err := optRows.Scan(&itemID, &opt.Option.ID, &opt.Option.Name, &priceC,
			&opt.Option.ExtraType, &opt.Option.Quantity, &opt.Value)
		if err != nil {
			return nil, fmt.Errorf("scan attendee option: %w", err)
		}
		opt.Option.Price = money.FromCents(priceC)

		if i, ok := index[itemID]; ok {
			items[i].Options = append(items[i].Options, opt)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetLineItems возвращает позиции корзины с данными для расчёта сумм.
func (r *PostgresRepository) GetLineItems(ctx context.Context, itemIDs []int64) ([]model.LineItem, error) {
	return r.loadLineItems(ctx, "oi.id = ANY($1)", itemIDs)
}

// GetLineItemsByOrder возвращает позиции указанного заказа.
func (r *PostgresRepository) GetLineItemsByOrder(ctx context.Context, orderID int64) ([]model.LineItem, error) {
	return r.loadLineItems(ctx, "oi.order_id = $1", orderID)
}

// CombineOrders объединяет набор заказов в один: выживает заказ с наименьшим id,
// позиции остальных перепривязываются к нему, а сами они удаляются. Операция
// атомарна: либо переносятся все позиции и удаляются все доноры, либо ничего.
func (r *PostgresRepository) CombineOrders(ctx context.Context, orderIDs []int64) (*model.Order, error) {
	if len(orderIDs) == 0 {
		return nil, ErrOrderNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	survivor, err := combineLocked(ctx, tx,
		`SELECT id, reference, notes FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		orderIDs,
	)
	if err != nil {
		return nil, err
	}

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, survivor))
	if err != nil {
		return nil, fmt.Errorf("load combined order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return order, nil
}

// combineLocked блокирует набор заказов и сливает доноров в выжившего.
// Возвращает id выжившего заказа.
func combineLocked(ctx context.Context, tx pgx.Tx, query string, arg any) (int64, error) {
	rows, err := tx.Query(ctx, query, arg)
	if err != nil {
		return 0, fmt.Errorf("lock orders: %w", err)
	}

	type lockedOrder struct {
		id        int64
		reference string
		notes     string
	}
	var locked []lockedOrder
	for rows.Next() {
		var lo lockedOrder
		if err := rows.Scan(&lo.id, &lo.reference, &lo.notes); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan locked order: %w", err)
		}
		locked = append(locked, lo)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}

	if len(locked) == 0 {
		return 0, ErrOrderNotFound
	}

	survivor := locked[0]
	if len(locked) == 1 {
		return survivor.id, nil
	}

	notes := survivor.notes
	for _, donor := range locked[1:] {
		notes += fmt.Sprintf("\n[Combined from order reference %s]\n%s\n", donor.reference, donor.notes)

		if _, err := tx.Exec(ctx,
			`UPDATE order_items SET order_id = $1 WHERE order_id = $2`,
			survivor.id, donor.id,
		); err != nil {
			return 0, fmt.Errorf("reassign order items: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, donor.id); err != nil {
			return 0, fmt.Errorf("delete donor order: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET notes = $2 WHERE id = $1`, survivor.id, notes); err != nil {
		return 0, fmt.Errorf("update survivor notes: %w", err)
	}

	return survivor.id, nil
}

// CompleteCashSale завершает наличную продажу одной транзакцией: блокирует
// заказы по коду подтверждения, сливает их, помечает выжившего оплаченным
// наличными и дописывает строку в журнал денежного ящика.
func (r *PostgresRepository) CompleteCashSale(ctx context.Context, ref string, total, tendered decimal.Decimal, operator, terminal string, now time.Time) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	survivor, err := combineLocked(ctx, tx,
		`SELECT id, reference, notes FROM orders WHERE reference = $1 ORDER BY id FOR UPDATE`,
		ref,
	)
	if err != nil {
		return nil, err
	}

	note, err := json.Marshal(map[string]string{
		"type":     "cash",
		"tendered": money.Format(tendered),
	})
	if err != nil {
		return nil, fmt.Errorf("encode cash note: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET billing_type = $2, status = $3, settled_date = $4,
			notes = notes || E'\n' || $5
		 WHERE id = $1`,
		survivor, string(model.BillingCash), string(model.OrderCompleted), now, string(note),
	)
	if err != nil {
		return nil, fmt.Errorf("complete cash order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO cashdrawer (action, total, tendered, operator, terminal)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(model.DrawerTransaction), money.ToCents(total), money.ToCents(tendered), operator, terminal,
	)
	if err != nil {
		return nil, fmt.Errorf("insert cashdrawer transaction: %w", err)
	}

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, survivor))
	if err != nil {
		return nil, fmt.Errorf("load completed order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return order, nil
}

// CompleteCardSale завершает терминальную продажу: блокирует и сливает заказы
// по коду подтверждения, применяет mutate к выжившему и сохраняет его в той же
// транзакции.
func (r *PostgresRepository) CompleteCardSale(ctx context.Context, ref string, mutate func(*model.Order) error) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	survivor, err := combineLocked(ctx, tx,
		`SELECT id, reference, notes FROM orders WHERE reference = $1 ORDER BY id FOR UPDATE`,
		ref,
	)
	if err != nil {
		return nil, err
	}

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, survivor))
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if err := mutate(order); err != nil {
		return nil, err
	}

	apiData, err := encodeSnapshot(order.APIData)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET billing_type = $2, status = $3, settled_date = $4, notes = $5,
			last_four = $6, api_data = $7
		 WHERE id = $1`,
		order.ID, string(order.BillingType), string(order.Status), order.SettledDate,
		order.Notes, order.LastFour, apiData,
	)
	if err != nil {
		return nil, fmt.Errorf("complete card order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return order, nil
}
