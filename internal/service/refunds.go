package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/gateway"
	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
	"github.com/mmeshcher/conreg-system/internal/repository"
)

// Refund возвращает указанную сумму по заказу. Наличные возвраты проводятся
// через журнал денежного ящика, карточные — через платёжный шлюз. Возвращает
// человекочитаемое описание результата.
func (s *Service) Refund(ctx context.Context, ref string, amount decimal.Decimal, reason, operator, terminal string) (string, error) {
	order, err := s.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return "", reject("No order found with that reference.")
		}
		return "", err
	}

	if !amount.IsPositive() {
		return "", reject("Refund amount must be positive.")
	}
	if amount.GreaterThan(order.Total) {
		return "", reject("Refund amount exceeds order total.")
	}
	if order.Status == model.OrderFailed {
		return "", reject("Failed orders cannot be refunded.")
	}

	switch order.BillingType {
	case model.BillingComp:
		return "", reject("Comped orders cannot be refunded.")
	case model.BillingUnpaid:
		return "", reject("Unpaid orders cannot be refunded.")
	case model.BillingCash:
		return s.refundCash(ctx, order, amount, reason, operator, terminal)
	case model.BillingCredit:
		return s.refundCard(ctx, order, amount, reason)
	default:
		return "", reject("Not sure how to refund order type %s.", order.BillingType)
	}
}

// refundCash оформляет наличный возврат: уменьшает итог заказа и дописывает
// отрицательную строку в журнал денежного ящика.
func (s *Service) refundCash(ctx context.Context, order *model.Order, amount decimal.Decimal, reason, operator, terminal string) (string, error) {
	now := time.Now()

	order.Status = model.OrderRefunded
	order.Total = order.Total.Sub(amount)
	order.AppendNote(now, fmt.Sprintf("Cash refund of %s issued: %s", money.Format(amount), reason))
	order.ReconcileDonations(now)

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return "", err
	}

	entry := &model.CashdrawerEntry{
		Action:   model.DrawerTransaction,
		Total:    amount.Neg(),
		User:     operator,
		Terminal: terminal,
	}
	if err := s.repo.CreateCashdrawerEntry(ctx, entry); err != nil {
		return "", err
	}

	s.logger.Info("cash refund issued",
		zap.String("reference", order.Reference),
		zap.String("amount", money.Format(amount)),
	)
	return "Cash refund issued.", nil
}

// refundCard создаёт возврат в платёжном шлюзе и применяет его к заказу.
// Отказ шлюза возвращается вызывающей стороне дословно.
func (s *Service) refundCard(ctx context.Context, order *model.Order, amount decimal.Decimal, reason string) (string, error) {
	now := time.Now()

	paymentID, ok := order.Snapshot().PaymentID()
	if !ok {
		return "", reject("Order has no captured payment to refund.")
	}

	result, err := s.gw.RefundPayment(ctx, paymentID, amount, reason)
	if err != nil {
		return "", fmt.Errorf("refund payment: %w", err)
	}
	if !result.Success() || result.Refund == nil {
		return "", reject("The refund was not accepted: %s", gateway.FormatErrors(result.Errors))
	}

	s.applyRefund(order, *result.Refund, now)
	order.AppendNote(now, fmt.Sprintf("Refund of %s requested: %s", money.Format(amount), reason))

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return "", err
	}

	s.logger.Info("card refund submitted",
		zap.String("reference", order.Reference),
		zap.String("refund_id", result.Refund.ID),
		zap.String("state", result.Refund.Status),
	)
	return fmt.Sprintf("Refund has been submitted and is %s.", result.Refund.Status), nil
}

// applyRefund добавляет или обновляет возврат в снимке заказа и переводит
// статус по состоянию возврата. Принятый возврат уменьшает итог и при
// необходимости сбрасывает пожертвования, отклонённый возвращает заказ
// в Completed.
func (s *Service) applyRefund(order *model.Order, refund model.Refund, now time.Time) {
	snapshot := order.Snapshot()
	isNew := !snapshot.ReplaceRefund(refund)
	if isNew {
		snapshot.Refunds = append(snapshot.Refunds, refund)
	}

	switch refund.Status {
	case "COMPLETED":
		order.Status = model.OrderRefunded
	case "PENDING", "APPROVED":
		order.Status = model.OrderRefundPending
	case "REJECTED", "FAILED":
		order.Status = model.OrderCompleted
		return
	default:
		s.logger.Warn("unexpected refund state",
			zap.String("reference", order.Reference),
			zap.String("refund_id", refund.ID),
			zap.String("state", refund.Status),
		)
		return
	}

	if isNew && refund.AmountMoney != nil {
		order.Total = order.Total.Sub(money.FromCents(refund.AmountMoney.Amount))
		order.ReconcileDonations(now)
	}
}

// RefreshPayment перечитывает платёж и его возвраты из шлюза и пересчитывает
// заказ. Возвращает непустое предупреждение, если заказ сохранён, но данные
// оказались деградированными.
func (s *Service) RefreshPayment(ctx context.Context, order *model.Order) (string, error) {
	now := time.Now()

	paymentID, ok := order.Snapshot().PaymentID()
	if !ok {
		return "", reject("Order has no payment to refresh.")
	}

	result, err := s.gw.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("get payment: %w", err)
	}
	if !result.Success() || result.Payment == nil {
		return "", reject("Could not look up payment: %s", gateway.FormatErrors(result.Errors))
	}

	payment := result.Payment
	snapshot := order.Snapshot()
	snapshot.Payment = payment

	totalCents := s.applyPaymentState(order, payment)

	// Возвраты, известные только заказу (например, ещё висящие PENDING),
	// перечитываются вместе с теми, на которые ссылается платёж.
	refundIDs := append([]string(nil), payment.RefundIDs...)
	for _, stored := range snapshot.Refunds {
		known := false
		for _, id := range refundIDs {
			if id == stored.ID {
				known = true
				break
			}
		}
		if !known {
			refundIDs = append(refundIDs, stored.ID)
		}
	}

	refunds := make([]model.Refund, 0, len(refundIDs))
	for _, id := range refundIDs {
		rr, err := s.gw.GetRefund(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get refund %s: %w", id, err)
		}
		if !rr.Success() || rr.Refund == nil {
			s.logger.Warn("could not refresh refund",
				zap.String("refund_id", id),
				zap.String("errors", gateway.FormatErrors(rr.Errors)),
			)
			continue
		}
		refunds = append(refunds, *rr.Refund)

		switch rr.Refund.Status {
		case "COMPLETED":
			order.Status = model.OrderRefunded
		case "PENDING", "APPROVED":
			order.Status = model.OrderRefundPending
		}
		if rr.Refund.AmountMoney != nil {
			totalCents -= rr.Refund.AmountMoney.Amount
		}
	}
	snapshot.Refunds = refunds

	order.Total = money.FromCents(totalCents)
	degraded := order.ReconcileDonations(now)

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return "", err
	}

	if degraded {
		return model.DonationResetNote, nil
	}
	return "", nil
}

// RefreshOrder перечитывает платёж заказа по коду подтверждения.
func (s *Service) RefreshOrder(ctx context.Context, ref string) (*model.Order, string, error) {
	order, err := s.repo.GetOrderByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, "", reject("No order found with that reference.")
		}
		return nil, "", err
	}

	warning, err := s.RefreshPayment(ctx, order)
	if err != nil {
		return nil, "", err
	}
	return order, warning, nil
}

// applyPaymentState переводит заказ по состоянию платежа у провайдера и
// возвращает итог заказа в минорных единицах.
func (s *Service) applyPaymentState(order *model.Order, payment *model.Payment) int64 {
	if last4, ok := payment.Last4(); ok {
		order.LastFour = last4
	}

	totalCents := money.ToCents(order.Total)
	switch payment.Status {
	case "COMPLETED":
		order.Status = model.OrderCompleted
		if payment.TotalMoney != nil {
			totalCents = payment.TotalMoney.Amount
		}
	case "APPROVED":
		order.Status = model.OrderCaptured
		if payment.TotalMoney != nil {
			totalCents = payment.TotalMoney.Amount
		}
	case "FAILED":
		order.Status = model.OrderFailed
	case "CANCELED":
		order.Status = model.OrderFailed
	default:
		s.logger.Warn("unexpected payment state",
			zap.String("reference", order.Reference),
			zap.String("state", payment.Status),
		)
	}
	return totalCents
}
