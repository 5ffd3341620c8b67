package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
)

// OrderDiscount — скидка в заказе шлюза: либо процентная, либо фиксированная.
type OrderDiscount struct {
	UID        string
	Name       string
	Percentage *int64
	Amount     *decimal.Decimal
}

// OrderLine — строка заказа шлюза.
type OrderLine struct {
	UID          string
	Name         string
	Note         string
	Amount       decimal.Decimal
	DiscountUIDs []string
}

// ExternalOrder — снимок корзины для создания заказа на стороне шлюза.
type ExternalOrder struct {
	Reference string
	Source    string
	Lines     []OrderLine
	Discounts []OrderDiscount
}

// CreateOrder создаёт заказ на стороне шлюза и возвращает его идентификатор.
// Пустая строка означает, что заказ создать не удалось; терминальная оплата
// возможна и без него.
func (c *Client) CreateOrder(ctx context.Context, order ExternalOrder) string {
	discounts := make([]map[string]any, 0, len(order.Discounts))
	for _, d := range order.Discounts {
		entry := map[string]any{
			"uid":   d.UID,
			"name":  d.Name,
			"scope": "LINE_ITEM",
		}
		switch {
		case d.Percentage != nil && *d.Percentage > 0:
			entry["type"] = "FIXED_PERCENTAGE"
			entry["percentage"] = fmt.Sprintf("%d", *d.Percentage)
		case d.Amount != nil && d.Amount.IsPositive():
			entry["type"] = "FIXED_AMOUNT"
			entry["amount_money"] = model.MoneyAmount{
				Amount:   money.ToCents(*d.Amount),
				Currency: c.cfg.Currency,
			}
		default:
			continue
		}
		discounts = append(discounts, entry)
	}

	lines := make([]map[string]any, 0, len(order.Lines))
	for _, l := range order.Lines {
		applied := make([]map[string]string, 0, len(l.DiscountUIDs))
		for _, uid := range l.DiscountUIDs {
			applied = append(applied, map[string]string{"discount_uid": uid})
		}
		lines = append(lines, map[string]any{
			"uid":       l.UID,
			"name":      l.Name,
			"note":      l.Note,
			"quantity":  "1",
			"item_type": "ITEM",
			"base_price_money": model.MoneyAmount{
				Amount:   money.ToCents(l.Amount),
				Currency: c.cfg.Currency,
			},
			"applied_discounts": applied,
		})
	}

	body := map[string]any{
		"order": map[string]any{
			"location_id":  c.cfg.LocationID,
			"reference_id": order.Reference,
			"source":       map[string]string{"name": order.Source},
			"discounts":    discounts,
			"line_items":   lines,
			"note":         "Reference: " + order.Reference,
		},
	}

	_, raw, err := c.do(ctx, "create_order", http.MethodPost, "/v2/orders", body)
	if err != nil {
		c.logger.Error("failed to create order", zap.Error(err))
		return ""
	}

	var env struct {
		Order *struct {
			ID string `json:"id"`
		} `json:"order"`
		Errors []APIError `json:"errors"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Order == nil {
		c.logger.Error("failed to create order", zap.String("errors", FormatErrors(env.Errors)))
		return ""
	}
	return env.Order.ID
}

// PromptTerminalPayment отправляет на терминал запрос оплаты. Если передан
// externalOrderID, терминал показывает строки заказа, иначе — только заметку.
func (c *Client) PromptTerminalPayment(ctx context.Context, deviceID string, amount decimal.Decimal, ref, note, externalOrderID string) error {
	checkout := map[string]any{
		"amount_money": model.MoneyAmount{
			Amount:   money.ToCents(amount),
			Currency: c.cfg.Currency,
		},
		"reference_id": ref,
		"device_options": map[string]string{
			"device_id": deviceID,
		},
	}
	if externalOrderID != "" {
		checkout["order_id"] = externalOrderID
	} else {
		checkout["note"] = note
	}

	body := map[string]any{
		"idempotency_key": IdempotencyKey(""),
		"checkout":        checkout,
	}

	_, raw, err := c.do(ctx, "create_terminal_checkout", http.MethodPost, "/v2/terminals/checkouts", body)
	if err != nil {
		return err
	}

	var env struct {
		Errors []APIError `json:"errors"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode terminal checkout response: %w", err)
	}
	if len(env.Errors) > 0 {
		return fmt.Errorf("terminal checkout rejected: %s", FormatErrors(env.Errors))
	}
	return nil
}

// PrintReceipt отправляет на терминал команду печати чека по платежу.
func (c *Client) PrintReceipt(ctx context.Context, deviceID, paymentID, idempotencyKey string) bool {
	body := map[string]any{
		"idempotency_key": IdempotencyKey(idempotencyKey),
		"action": map[string]any{
			"device_id": deviceID,
			"type":      "RECEIPT",
			"receipt_options": map[string]any{
				"payment_id": paymentID,
				"print_only": true,
			},
		},
	}

	_, raw, err := c.do(ctx, "create_terminal_action", http.MethodPost, "/v2/terminals/actions", body)
	if err != nil {
		c.logger.Error("could not print receipt", zap.Error(err))
		return false
	}

	var env struct {
		Errors []APIError `json:"errors"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if len(env.Errors) > 0 {
		c.logger.Error("could not print receipt", zap.String("errors", FormatErrors(env.Errors)))
		return false
	}
	return true
}

// Device описывает платёжный терминал, зарегистрированный у провайдера.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ListDevices возвращает все терминалы, проходя курсорную пагинацию провайдера.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	cursor := ""

	for {
		path := "/v2/devices"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}

		_, raw, err := c.do(ctx, "list_devices", http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var env struct {
			Devices []Device   `json:"devices"`
			Cursor  string     `json:"cursor"`
			Errors  []APIError `json:"errors"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode devices response: %w", err)
		}
		if len(env.Errors) > 0 {
			return nil, fmt.Errorf("list devices: %s", FormatErrors(env.Errors))
		}

		devices = append(devices, env.Devices...)

		if env.Cursor == "" {
			return devices, nil
		}
		cursor = env.Cursor
	}
}
