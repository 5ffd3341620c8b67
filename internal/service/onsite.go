package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/gateway"
	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
	"github.com/mmeshcher/conreg-system/internal/repository"
)

// ErrRefreshFailed сообщает, что заказ завершён, но сверка с шлюзом не удалась.
// Вызывающая сторона отличает этот исход от полного успеха и от полного отказа.
var ErrRefreshFailed = errors.New("order completed but payment refresh failed")

// CompleteCash завершает наличную продажу по коду подтверждения: сливает
// заказы с этим кодом, помечает их оплаченными и дописывает продажу в журнал
// денежного ящика одной транзакцией.
func (s *Service) CompleteCash(ctx context.Context, ref string, total, tendered decimal.Decimal, operator, terminal string) (*model.Order, error) {
	now := time.Now()

	order, err := s.repo.CompleteCashSale(ctx, ref, total, tendered, operator, terminal, now)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, reject("No order found with that reference.")
		}
		return nil, err
	}

	s.publishReceipt(terminal, map[string]any{
		"v":         1,
		"type":      "cash",
		"reference": order.Reference,
		"total":     money.Format(total),
		"tendered":  money.Format(tendered),
		"change":    money.Format(tendered.Sub(total)),
	})

	s.logger.Info("cash sale completed",
		zap.String("reference", order.Reference),
		zap.String("total", money.Format(total)),
		zap.String("terminal", terminal),
	)
	return order, nil
}

// CompleteCard завершает терминальную продажу: записывает идентификатор платежа
// в заказ, помечает его оплаченным и сверяет данные с шлюзом. Терминал может
// отчитаться раньше, чем платёж станет доступен в API, поэтому сверка
// ретраится. Если она так и не прошла, возвращается ErrRefreshFailed вместе
// с уже завершённым заказом.
func (s *Service) CompleteCard(ctx context.Context, ref, paymentID, clientTxID, serverTxID string) (*model.Order, error) {
	now := time.Now()

	order, err := s.repo.CompleteCardSale(ctx, ref, func(o *model.Order) error {
		snapshot := o.Snapshot()
		snapshot.Payment = &model.Payment{ID: paymentID}
		snapshot.Onsite = &model.Onsite{
			ClientTransactionID: clientTxID,
			ServerTransactionID: serverTxID,
		}
		o.BillingType = model.BillingCredit
		o.Status = model.OrderCompleted
		settled := now
		o.SettledDate = &settled
		o.AppendNote(now, "Completed at the terminal, payment id "+paymentID)
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, reject("No order found with that reference.")
		}
		return nil, err
	}

	backoff := retry.WithMaxRetries(4, retry.NewConstant(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := s.RefreshPayment(ctx, order); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("payment refresh failed after card completion",
			zap.Error(err),
			zap.String("reference", order.Reference),
			zap.String("payment_id", paymentID),
		)
		return order, ErrRefreshFailed
	}
	return order, nil
}

// PromptPayment создаёт заказ на стороне шлюза и отправляет терминалу запрос
// оплаты. Провал создания заказа не мешает оплате: терминал покажет заметку
// вместо построчного чека.
func (s *Service) PromptPayment(ctx context.Context, ref, deviceID, terminal string) error {
	order, err := s.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return reject("No order found with that reference.")
		}
		return err
	}
	if !order.Total.IsPositive() {
		return reject("Order total must be positive to prompt a payment.")
	}

	items, err := s.repo.GetLineItemsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	externalOrderID := s.gw.CreateOrder(ctx, s.buildExternalOrder(order, items))

	note := "Registration order " + order.Reference
	if err := s.gw.PromptTerminalPayment(ctx, deviceID, order.Total, order.Reference, note, externalOrderID); err != nil {
		return fmt.Errorf("prompt terminal payment: %w", err)
	}

	s.publishAdmin(terminal, map[string]any{
		"v":         1,
		"command":   "process_payment",
		"reference": order.Reference,
		"total":     money.Format(order.Total),
	})

	s.logger.Info("terminal payment prompted",
		zap.String("reference", order.Reference),
		zap.String("device_id", deviceID),
	)
	return nil
}

// buildExternalOrder собирает снимок заказа для показа на терминале: строки по
// позициям, пожертвования отдельными строками.
func (s *Service) buildExternalOrder(order *model.Order, items []model.LineItem) gateway.ExternalOrder {
	ext := gateway.ExternalOrder{
		Reference: order.Reference,
		Source:    "conreg",
	}

	for i, li := range items {
		ext.Lines = append(ext.Lines, gateway.OrderLine{
			UID:    fmt.Sprintf("item-%d", i+1),
			Name:   li.Level.Name,
			Note:   li.Badge.BadgeName,
			Amount: lineTotal(li),
		})
	}
	if order.OrgDonation.IsPositive() {
		ext.Lines = append(ext.Lines, gateway.OrderLine{
			UID:    "org-donation",
			Name:   "Organization donation",
			Amount: order.OrgDonation,
		})
	}
	if order.CharityDonation.IsPositive() {
		ext.Lines = append(ext.Lines, gateway.OrderLine{
			UID:    "charity-donation",
			Name:   "Charity donation",
			Amount: order.CharityDonation,
		})
	}
	return ext
}

// PrintReceipt просит терминал напечатать чек по карточному заказу.
func (s *Service) PrintReceipt(ctx context.Context, ref, deviceID string) error {
	order, err := s.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return reject("No order found with that reference.")
		}
		return err
	}
	if order.BillingType != model.BillingCredit {
		return reject("Receipts can only be reprinted for card orders.")
	}
	paymentID, ok := order.Snapshot().PaymentID()
	if !ok {
		return reject("Order has no payment to print a receipt for.")
	}

	if !s.gw.PrintReceipt(ctx, deviceID, paymentID, "") {
		return fmt.Errorf("receipt print rejected by the gateway")
	}
	return nil
}

// ListTerminals возвращает терминалы, зарегистрированные у провайдера.
func (s *Service) ListTerminals(ctx context.Context) ([]gateway.Device, error) {
	return s.gw.ListDevices(ctx)
}

// DrawerStatus возвращает текущее состояние денежного ящика по сумме журнала.
func (s *Service) DrawerStatus(ctx context.Context) (decimal.Decimal, string, error) {
	total, err := s.repo.DrawerTotal(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrEmptyDrawer) {
			return decimal.Zero, "", reject("The cash drawer has no recorded activity.")
		}
		return decimal.Zero, "", err
	}

	status := "Open"
	switch {
	case total.IsZero():
		status = "Closed"
	case total.IsNegative():
		status = "Short"
	}
	return total, status, nil
}

// RecordDrawerAction дописывает служебную операцию в журнал денежного ящика.
// Изъятия и закрытие уменьшают ящик, поэтому их суммы приводятся к отрицательным.
func (s *Service) RecordDrawerAction(ctx context.Context, action model.CashdrawerAction, amount decimal.Decimal, operator, terminal string) (*model.CashdrawerEntry, error) {
	switch action {
	case model.DrawerOpen, model.DrawerClose, model.DrawerTransaction,
		model.DrawerDeposit, model.DrawerDrop, model.DrawerPickup, model.DrawerAdjustment:
	default:
		return nil, reject("Unknown drawer action %q.", action)
	}

	switch action {
	case model.DrawerClose, model.DrawerDrop, model.DrawerPickup:
		amount = amount.Abs().Neg()
	}

	entry := &model.CashdrawerEntry{
		Action:   action,
		Total:    amount,
		User:     operator,
		Terminal: terminal,
	}
	if err := s.repo.CreateCashdrawerEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.publishReceipt(terminal, map[string]any{
		"v":        1,
		"type":     "audit_slip",
		"action":   string(action),
		"amount":   money.Format(amount),
		"operator": operator,
	})

	s.logger.Info("cash drawer action recorded",
		zap.String("action", string(action)),
		zap.String("amount", money.Format(amount)),
		zap.String("terminal", terminal),
	)
	return entry, nil
}

func (s *Service) publishReceipt(terminal string, payload any) {
	if s.publisher == nil || terminal == "" {
		return
	}
	s.publisher.Publish("conreg/receipts/"+terminal+"/print", payload)
}

func (s *Service) publishAdmin(terminal string, payload any) {
	if s.publisher == nil || terminal == "" {
		return
	}
	s.publisher.Publish("conreg/admin/"+terminal, payload)
}
