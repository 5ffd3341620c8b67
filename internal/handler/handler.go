// Package handler содержит HTTP-обработчики API сервиса регистрации.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/gateway"
	"github.com/mmeshcher/conreg-system/internal/middleware"
	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
	"github.com/mmeshcher/conreg-system/internal/repository"
	"github.com/mmeshcher/conreg-system/internal/service"
)

// StatusRefreshFailed возвращается, когда заказ завершён, но сверка платежа
// с шлюзом не удалась: оператор видит успех с предупреждением.
const StatusRefreshFailed = 210

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	IngestWebhook(ctx context.Context, event *model.WebhookEvent, body []byte, headers map[string][]string) error
	Refund(ctx context.Context, ref string, amount decimal.Decimal, reason, operator, terminal string) (string, error)
	RefreshOrder(ctx context.Context, ref string) (*model.Order, string, error)
	CompleteCash(ctx context.Context, ref string, total, tendered decimal.Decimal, operator, terminal string) (*model.Order, error)
	CompleteCard(ctx context.Context, ref, paymentID, clientTxID, serverTxID string) (*model.Order, error)
	PromptPayment(ctx context.Context, ref, deviceID, terminal string) error
	PrintReceipt(ctx context.Context, ref, deviceID string) error
	ListTerminals(ctx context.Context) ([]gateway.Device, error)
	DrawerStatus(ctx context.Context) (decimal.Decimal, string, error)
	RecordDrawerAction(ctx context.Context, action model.CashdrawerAction, amount decimal.Decimal, operator, terminal string) (*model.CashdrawerEntry, error)
}

// Handler реализует HTTP-обработчики API сервиса регистрации.
type Handler struct {
	service      Service
	logger       *zap.Logger
	terminalAuth *middleware.TerminalAuth
	webhookKey   string
	webhookURL   string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.TerminalAuth, webhookKey, webhookURL string) *Handler {
	return &Handler{
		service:      s,
		logger:       logger,
		terminalAuth: auth,
		webhookKey:   webhookKey,
		webhookURL:   webhookURL,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, extra map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range extra {
		payload[k] = v
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// writeError различает отказ бизнес-правила и внутреннюю ошибку: первый
// возвращается клиенту с причиной, вторая логируется и скрывается.
func (h *Handler) writeError(w http.ResponseWriter, err error, operation string) {
	var rejection *service.Rejection
	if errors.As(err, &rejection) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"reason":  rejection.Reason,
		})
		return
	}
	h.logger.Error(operation, zap.Error(err))
	h.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false,
		"reason":  "An unexpected error occurred. Please try again later.",
	})
}

type checkoutRequest struct {
	ItemIDs []int64 `json:"item_ids"`
	Billing struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Address1  string `json:"address1"`
		Address2  string `json:"address2"`
		City      string `json:"city"`
		State     string `json:"state"`
		Country   string `json:"country"`
		Postal    string `json:"postal"`
		Email     string `json:"email"`
	} `json:"billing"`
	SourceID        string          `json:"source_id"`
	Verification    string          `json:"verification_token"`
	IdempotencyKey  string          `json:"idempotency_key"`
	DiscountCode    string          `json:"discount"`
	OrgDonation     decimal.Decimal `json:"org_donation"`
	CharityDonation decimal.Decimal `json:"charity_donation"`
	Onsite          bool            `json:"onsite"`
}

// Checkout оформляет заказ из позиций корзины.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Checkout(r.Context(), service.CheckoutRequest{
		ItemIDs: req.ItemIDs,
		Billing: service.BillingInfo{
			FirstName: req.Billing.FirstName,
			LastName:  req.Billing.LastName,
			Address1:  req.Billing.Address1,
			Address2:  req.Billing.Address2,
			City:      req.Billing.City,
			State:     req.Billing.State,
			Country:   req.Billing.Country,
			Postal:    req.Billing.Postal,
			Email:     req.Billing.Email,
		},
		SourceID:        req.SourceID,
		Verification:    req.Verification,
		IdempotencyKey:  req.IdempotencyKey,
		DiscountCode:    req.DiscountCode,
		OrgDonation:     req.OrgDonation,
		CharityDonation: req.CharityDonation,
		Onsite:          req.Onsite,
	})
	if err != nil {
		h.writeError(w, err, "checkout error")
		return
	}

	extra := map[string]any{
		"reference": result.Order.Reference,
		"status":    result.Order.Status,
		"total":     money.Format(result.Total),
	}
	if result.EmailWarning != "" {
		extra["warning"] = result.EmailWarning
	}
	h.writeSuccess(w, extra)
}

// Webhook принимает событие платёжного шлюза. Подпись проверяется до разбора
// тела; повтор события отвечает 409 без побочных эффектов; событие неизвестного
// типа сохраняется и подтверждается, чтобы провайдер не ретраил его вечно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Signature")
	if !gateway.VerifyWebhookSignature(body, signature, h.webhookKey, h.webhookURL) {
		h.logger.Warn("webhook signature mismatch")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var event model.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.EventID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.IngestWebhook(r.Context(), &event, body, r.Header)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			h.writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"reason":  "Event already received.",
			})
			return
		}
		h.logger.Error("webhook processing error", zap.Error(err), zap.String("event_id", event.EventID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeSuccess(w, nil)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Refund возвращает сумму по заказу.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	terminal, _ := middleware.GetTerminalFromContext(r.Context())
	message, err := h.service.Refund(r.Context(), ref, req.Amount, req.Reason, terminal, terminal)
	if err != nil {
		h.writeError(w, err, "refund error")
		return
	}

	h.writeSuccess(w, map[string]any{"message": message})
}

// RefreshOrder перечитывает данные платежа заказа из шлюза.
func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")

	order, warning, err := h.service.RefreshOrder(r.Context(), ref)
	if err != nil {
		h.writeError(w, err, "refresh order error")
		return
	}

	extra := map[string]any{
		"reference": order.Reference,
		"status":    order.Status,
		"total":     money.Format(order.Total),
	}
	if warning != "" {
		extra["warning"] = warning
	}
	h.writeSuccess(w, extra)
}

type cashCompleteRequest struct {
	Reference string          `json:"reference"`
	Total     decimal.Decimal `json:"total"`
	Tendered  decimal.Decimal `json:"tendered"`
}

// CompleteCash завершает наличную продажу на стойке регистрации.
func (h *Handler) CompleteCash(w http.ResponseWriter, r *http.Request) {
	terminal, ok := middleware.GetTerminalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cashCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CompleteCash(r.Context(), req.Reference, req.Total, req.Tendered, terminal, terminal)
	if err != nil {
		h.writeError(w, err, "cash completion error")
		return
	}

	h.writeSuccess(w, map[string]any{
		"reference": order.Reference,
		"status":    order.Status,
		"change":    money.Format(req.Tendered.Sub(req.Total)),
	})
}

type cardCompleteRequest struct {
	Reference           string `json:"reference"`
	PaymentID           string `json:"payment_id"`
	ClientTransactionID string `json:"client_transaction_id"`
	ServerTransactionID string `json:"server_transaction_id"`
}

// CompleteCard завершает терминальную продажу. Если заказ завершён, но сверка
// платежа не удалась, возвращается статус 210: оператору показывают успех
// с предупреждением.
func (h *Handler) CompleteCard(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetTerminalFromContext(r.Context()); !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cardCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CompleteCard(r.Context(), req.Reference, req.PaymentID,
		req.ClientTransactionID, req.ServerTransactionID)
	if err != nil {
		if errors.Is(err, service.ErrRefreshFailed) {
			h.writeJSON(w, StatusRefreshFailed, map[string]any{
				"success":   true,
				"reference": order.Reference,
				"status":    order.Status,
				"warning":   "Payment lookup failed; totals will be reconciled by webhook.",
			})
			return
		}
		h.writeError(w, err, "card completion error")
		return
	}

	h.writeSuccess(w, map[string]any{
		"reference": order.Reference,
		"status":    order.Status,
		"total":     money.Format(order.Total),
	})
}

type promptPaymentRequest struct {
	Reference string `json:"reference"`
	DeviceID  string `json:"device_id"`
}

// PromptPayment отправляет на терминал запрос оплаты заказа.
func (h *Handler) PromptPayment(w http.ResponseWriter, r *http.Request) {
	terminal, ok := middleware.GetTerminalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req promptPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.DeviceID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.PromptPayment(r.Context(), req.Reference, req.DeviceID, terminal); err != nil {
		h.writeError(w, err, "prompt payment error")
		return
	}
	h.writeSuccess(w, nil)
}

type receiptRequest struct {
	Reference string `json:"reference"`
	DeviceID  string `json:"device_id"`
}

// PrintReceipt просит терминал повторно напечатать чек заказа.
func (h *Handler) PrintReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.DeviceID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.PrintReceipt(r.Context(), req.Reference, req.DeviceID); err != nil {
		h.writeError(w, err, "print receipt error")
		return
	}
	h.writeSuccess(w, nil)
}

// ListTerminals возвращает терминалы, зарегистрированные у провайдера.
func (h *Handler) ListTerminals(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.ListTerminals(r.Context())
	if err != nil {
		h.writeError(w, err, "list terminals error")
		return
	}
	h.writeSuccess(w, map[string]any{"terminals": devices})
}

// DrawerStatus возвращает текущее состояние денежного ящика.
func (h *Handler) DrawerStatus(w http.ResponseWriter, r *http.Request) {
	total, status, err := h.service.DrawerStatus(r.Context())
	if err != nil {
		h.writeError(w, err, "drawer status error")
		return
	}
	h.writeSuccess(w, map[string]any{
		"total":  money.Format(total),
		"status": status,
	})
}

type drawerActionRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// DrawerAction дописывает служебную операцию в журнал денежного ящика.
func (h *Handler) DrawerAction(w http.ResponseWriter, r *http.Request) {
	terminal, ok := middleware.GetTerminalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	action := model.CashdrawerAction(chi.URLParam(r, "action"))

	var req drawerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.RecordDrawerAction(r.Context(), action, req.Amount, terminal, terminal)
	if err != nil {
		h.writeError(w, err, "drawer action error")
		return
	}

	h.writeSuccess(w, map[string]any{
		"action":    entry.Action,
		"amount":    money.Format(entry.Total),
		"timestamp": entry.Timestamp.Format(time.RFC3339),
	})
}
