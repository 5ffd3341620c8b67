package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
	"github.com/mmeshcher/conreg-system/internal/repository"
)

// IngestWebhook сохраняет входящее событие шлюза и маршрутизирует его по типу.
// Повтор события с тем же event_id возвращает ErrDuplicateEvent без побочных
// эффектов. Уведомление сохраняется до маршрутизации, чтобы даже необработанное
// событие оставило след.
func (s *Service) IngestWebhook(ctx context.Context, event *model.WebhookEvent, body []byte, headers map[string][]string) error {
	notification := &model.PaymentWebhookNotification{
		EventID:   event.EventID,
		EventType: event.Type,
		Body:      body,
		Headers:   headers,
	}
	if err := s.repo.InsertWebhookNotification(ctx, notification); err != nil {
		return err
	}

	processed, err := s.routeWebhook(ctx, event)
	if err != nil {
		if markErr := s.repo.MarkWebhookProcessed(ctx, notification.ID, false); markErr != nil {
			s.logger.Error("mark webhook processed", zap.Error(markErr), zap.String("event_id", event.EventID))
		}
		return err
	}

	if err := s.repo.MarkWebhookProcessed(ctx, notification.ID, processed); err != nil {
		s.logger.Error("mark webhook processed", zap.Error(err), zap.String("event_id", event.EventID))
	}
	return nil
}

// routeWebhook выбирает обработчик по типу события. Неизвестный тип не
// считается ошибкой: событие уже сохранено, processed остаётся false.
func (s *Service) routeWebhook(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	switch event.Type {
	case "payment.updated":
		return s.handlePaymentUpdated(ctx, event)
	case "refund.created":
		return s.handleRefundCreated(ctx, event)
	case "refund.updated":
		return s.handleRefundUpdated(ctx, event)
	case "dispute.created", "dispute.state.updated":
		return s.handleDispute(ctx, event)
	default:
		s.logger.Info("unhandled webhook type",
			zap.String("event_id", event.EventID),
			zap.String("type", event.Type),
		)
		return false, nil
	}
}

// handlePaymentUpdated обновляет снимок платежа и статус заказа. Итог заказа
// при этом не трогается: суммы сверяются только при явном обновлении.
func (s *Service) handlePaymentUpdated(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	payment := event.Data.Object.Payment
	if payment == nil || payment.ID == "" {
		return false, fmt.Errorf("payment.updated event %s has no payment object", event.EventID)
	}

	order, ok, err := s.orderByPaymentID(ctx, payment.ID, event.EventID)
	if err != nil || !ok {
		return false, err
	}

	order.Snapshot().Payment = payment
	s.applyPaymentState(order, payment)

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	return true, nil
}

// handleRefundCreated добавляет новый возврат к заказу. Событие о возврате,
// который заказ уже хранит, пропускается: основная дедупликация по event_id
// не спасает, когда провайдер шлёт то же самое под новым event_id.
func (s *Service) handleRefundCreated(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	refund := event.Data.Object.Refund
	if refund == nil || refund.ID == "" {
		return false, fmt.Errorf("refund.created event %s has no refund object", event.EventID)
	}

	exists, err := s.repo.RefundExists(ctx, refund.ID)
	if err != nil {
		return false, err
	}
	if exists {
		s.logger.Info("refund already recorded",
			zap.String("event_id", event.EventID),
			zap.String("refund_id", refund.ID),
		)
		return true, nil
	}

	order, ok, err := s.orderByPaymentID(ctx, refund.PaymentID, event.EventID)
	if err != nil || !ok {
		return false, err
	}

	now := time.Now()
	s.applyRefund(order, *refund, now)
	if refund.AmountMoney != nil {
		order.AppendNote(now, fmt.Sprintf("Refund of %s reported by the payment gateway.",
			money.Format(money.FromCents(refund.AmountMoney.Amount))))
	}

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	return true, nil
}

// handleRefundUpdated заменяет сохранённый возврат на свежую версию и переводит
// статус заказа по новому состоянию возврата.
func (s *Service) handleRefundUpdated(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	refund := event.Data.Object.Refund
	if refund == nil || refund.ID == "" {
		return false, fmt.Errorf("refund.updated event %s has no refund object", event.EventID)
	}

	order, err := s.repo.GetOrderByRefundID(ctx, refund.ID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Warn("no order for refund",
				zap.String("event_id", event.EventID),
				zap.String("refund_id", refund.ID),
			)
			return false, nil
		}
		return false, err
	}

	snapshot := order.Snapshot()
	if !snapshot.ReplaceRefund(*refund) {
		snapshot.Refunds = append(snapshot.Refunds, *refund)
	}

	switch refund.Status {
	case "COMPLETED":
		order.Status = model.OrderRefunded
	case "PENDING", "APPROVED":
		order.Status = model.OrderRefundPending
	case "REJECTED", "FAILED":
		order.Status = model.OrderCompleted
	}

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	return true, nil
}

// handleDispute записывает диспут в заказ и переводит статус по состоянию
// диспута. Проигранный или принятый диспут обнуляет пожертвования, открытие
// диспута заносит участников заказа в чёрный список и уведомляет оргкоманду.
func (s *Service) handleDispute(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	dispute := event.Data.Object.Dispute
	if dispute == nil || dispute.DisputedPayment == nil {
		return false, fmt.Errorf("dispute event %s has no disputed payment", event.EventID)
	}

	status, err := model.DisputeStatus(dispute.State)
	if err != nil {
		return false, fmt.Errorf("event %s: %w", event.EventID, err)
	}

	order, ok, err := s.orderByPaymentID(ctx, dispute.DisputedPayment.PaymentID, event.EventID)
	if err != nil || !ok {
		return false, err
	}

	now := time.Now()
	order.Snapshot().Dispute = dispute
	order.Status = status

	if status == model.OrderDisputeLost || status == model.OrderDisputeAccepted {
		if order.OrgDonation.IsPositive() || order.CharityDonation.IsPositive() {
			order.AppendNote(now, "Dispute "+dispute.State+" has reset donation amounts.")
			order.OrgDonation = decimal.Zero
			order.CharityDonation = decimal.Zero
		}
	}

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return false, err
	}

	if event.Type == "dispute.created" && status == model.OrderDisputeEvidenceRequired {
		s.banDisputedAttendees(ctx, order, dispute)
		s.notifyChargeback(ctx, order, dispute)
	}
	return true, nil
}

// orderByPaymentID ищет заказ по идентификатору платежа. Отсутствие заказа
// логируется и не считается ошибкой: событие могло прийти по чужому платежу.
func (s *Service) orderByPaymentID(ctx context.Context, paymentID, eventID string) (*model.Order, bool, error) {
	if paymentID == "" {
		return nil, false, fmt.Errorf("event %s has no payment id", eventID)
	}
	order, err := s.repo.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Warn("no order for payment",
				zap.String("event_id", eventID),
				zap.String("payment_id", paymentID),
			)
			return nil, false, nil
		}
		return nil, false, err
	}
	return order, true, nil
}

// banDisputedAttendees заносит всех участников оспоренного заказа в чёрный список.
func (s *Service) banDisputedAttendees(ctx context.Context, order *model.Order, dispute *model.Dispute) {
	items, err := s.repo.GetLineItemsByOrder(ctx, order.ID)
	if err != nil {
		s.logger.Error("load order items for ban list", zap.Error(err), zap.String("reference", order.Reference))
		return
	}

	entries := make([]model.BanListEntry, 0, len(items))
	for _, li := range items {
		entries = append(entries, model.BanListEntry{
			FirstName: li.Badge.FirstName,
			LastName:  li.Badge.LastName,
			Email:     li.Badge.Email,
			Reason:    "Chargeback opened on order " + order.Reference,
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := s.repo.AddBanEntries(ctx, entries); err != nil {
		s.logger.Error("add ban entries", zap.Error(err), zap.String("reference", order.Reference))
	}
}

// notifyChargeback шлёт оргкоманде письмо об открытом диспуте.
func (s *Service) notifyChargeback(ctx context.Context, order *model.Order, dispute *model.Dispute) {
	if s.mailer == nil || s.registrationEmail == "" {
		return
	}
	subject := "Chargeback opened on order " + order.Reference
	text := fmt.Sprintf(
		"A dispute was opened against order %s.\nDispute id: %s\nState: %s\nBilling name: %s\n",
		order.Reference, dispute.ID, dispute.State, order.BillingName,
	)
	if err := s.mailer.Send(ctx, subject, []string{s.registrationEmail}, text, ""); err != nil {
		s.logger.Error("send chargeback email", zap.Error(err), zap.String("reference", order.Reference))
	}
}
