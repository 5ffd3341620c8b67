// Package gateway предоставляет клиент платёжного шлюза: платежи, возвраты,
// заказы и терминальные операции.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "payment_gateway_requests",
	Help: "HTTP requests to the payment gateway API",
}, []string{"endpoint"})

// Config содержит параметры подключения к платёжному шлюзу.
type Config struct {
	BaseURL     string
	AccessToken string
	LocationID  string
	Currency    string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом. Сетевые ошибки
// и 5xx ретраятся самим клиентом; после исчерпания бюджета ретраев вызывающая
// сторона получает обычную ошибку без различия «первая попытка» / «ретраи кончились».
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient создаёт клиент шлюза с фиксированным таймаутом и бюджетом ретраев.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: rc.StandardClient(),
		logger:     logger,
	}
}

// IdempotencyKey возвращает переданный ключ идемпотентности или генерирует новый.
func IdempotencyKey(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return uuid.NewString()
}

// APIError — нормализованная ошибка платёжного шлюза.
type APIError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// FormatErrors собирает ошибки шлюза в одну человекочитаемую строку.
func FormatErrors(errors []APIError) string {
	var sb strings.Builder
	for _, e := range errors {
		fmt.Fprintf(&sb, "%s - %s: %s\n", e.Category, e.Code, e.Detail)
	}
	return sb.String()
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, reqBody any) (int, []byte, error) {
	timer := prometheus.NewTimer(requestDuration.WithLabelValues(endpoint))
	defer timer.ObserveDuration()

	var reader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// BillingAddress — платёжный адрес покупателя; пустые поля опускаются.
type BillingAddress struct {
	AddressLine1 string `json:"address_line_1,omitempty"`
	AddressLine2 string `json:"address_line_2,omitempty"`
	Locality     string `json:"locality,omitempty"`
	District     string `json:"administrative_district_level_1,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
	Email        string `json:"buyer_email_address,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// ChargeRequest — параметры создания платежа.
type ChargeRequest struct {
	IdempotencyKey    string
	SourceID          string
	VerificationToken string
	Amount            decimal.Decimal
	Reference         string
	BillingAddress    BillingAddress
}

// PaymentResult — нормализованный результат операции с платежом. Raw хранит
// полный ответ провайдера для судебного следа, в том числе для неуспешных операций.
type PaymentResult struct {
	Payment *model.Payment
	Errors  []APIError
	Raw     json.RawMessage
}

// Success сообщает, что шлюз принял операцию.
func (r *PaymentResult) Success() bool {
	return len(r.Errors) == 0
}

type paymentEnvelope struct {
	Payment *model.Payment `json:"payment"`
	Errors  []APIError     `json:"errors"`
}

// CreatePayment проводит платёж. Ошибка возвращается только при сетевых
// проблемах; отказ шлюза приходит в PaymentResult.Errors.
func (c *Client) CreatePayment(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
	body := map[string]any{
		"idempotency_key": IdempotencyKey(req.IdempotencyKey),
		"source_id":       req.SourceID,
		"autocomplete":    true,
		"amount_money": model.MoneyAmount{
			Amount:   money.ToCents(req.Amount),
			Currency: c.cfg.Currency,
		},
		"reference_id":    req.Reference,
		"billing_address": req.BillingAddress,
		"location_id":     c.cfg.LocationID,
	}
	if req.VerificationToken != "" {
		body["verification_token"] = req.VerificationToken
	}

	_, raw, err := c.do(ctx, "create_payment", http.MethodPost, "/v2/payments", body)
	if err != nil {
		return nil, err
	}
	return parsePaymentResult(raw)
}

// GetPayment запрашивает актуальное состояние платежа.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentResult, error) {
	_, raw, err := c.do(ctx, "get_payment", http.MethodGet, "/v2/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	return parsePaymentResult(raw)
}

func parsePaymentResult(raw []byte) (*PaymentResult, error) {
	var env paymentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return &PaymentResult{
		Payment: env.Payment,
		Errors:  env.Errors,
		Raw:     append(json.RawMessage(nil), raw...),
	}, nil
}

// RefundResult — нормализованный результат операции с возвратом.
type RefundResult struct {
	Refund *model.Refund
	Errors []APIError
	Raw    json.RawMessage
}

// Success сообщает, что шлюз принял операцию.
func (r *RefundResult) Success() bool {
	return len(r.Errors) == 0
}

type refundEnvelope struct {
	Refund *model.Refund `json:"refund"`
	Errors []APIError    `json:"errors"`
}

// RefundPayment создаёт возврат по платежу на указанную сумму.
func (c *Client) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal, reason string) (*RefundResult, error) {
	body := map[string]any{
		"payment_id":      paymentID,
		"idempotency_key": uuid.NewString(),
		"amount_money": model.MoneyAmount{
			Amount:   money.ToCents(amount),
			Currency: c.cfg.Currency,
		},
	}
	if reason != "" {
		body["reason"] = reason
	}

	_, raw, err := c.do(ctx, "refund_payment", http.MethodPost, "/v2/refunds", body)
	if err != nil {
		return nil, err
	}
	return parseRefundResult(raw)
}

// GetRefund запрашивает актуальное состояние возврата.
func (c *Client) GetRefund(ctx context.Context, refundID string) (*RefundResult, error) {
	_, raw, err := c.do(ctx, "get_payment_refund", http.MethodGet, "/v2/refunds/"+refundID, nil)
	if err != nil {
		return nil, err
	}
	return parseRefundResult(raw)
}

func parseRefundResult(raw []byte) (*RefundResult, error) {
	var env refundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	return &RefundResult{
		Refund: env.Refund,
		Errors: env.Errors,
		Raw:    append(json.RawMessage(nil), raw...),
	}, nil
}
