package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/conreg-system/internal/gateway"
	"github.com/mmeshcher/conreg-system/internal/model"
	"github.com/mmeshcher/conreg-system/internal/money"
)

// BillingInfo — платёжные реквизиты покупателя при оформлении заказа.
type BillingInfo struct {
	FirstName string
	LastName  string
	Address1  string
	Address2  string
	City      string
	State     string
	Country   string
	Postal    string
	Email     string
}

// CheckoutRequest — параметры оформления заказа.
type CheckoutRequest struct {
	ItemIDs         []int64
	Billing         BillingInfo
	SourceID        string
	Verification    string
	IdempotencyKey  string
	DiscountCode    string
	OrgDonation     decimal.Decimal
	CharityDonation decimal.Decimal
	// Onsite откладывает оплату до стойки регистрации.
	Onsite bool
}

// CheckoutResult — итог успешного оформления. EmailWarning не пуст, если оплата
// прошла, но письмо с подтверждением отправить не удалось.
type CheckoutResult struct {
	Order        *model.Order
	Total        decimal.Decimal
	EmailWarning string
}

// Checkout оформляет заказ: считает итог, проводит платёж через шлюз и
// привязывает позиции корзины к заказу. Нулевой итог закрывается без обращения
// к шлюзу, режим onsite оставляет заказ ждать оплату на месте.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	now := time.Now()

	if len(req.ItemIDs) == 0 {
		return nil, reject("There is nothing in your cart.")
	}

	items, err := s.repo.GetLineItems(ctx, req.ItemIDs)
	if err != nil {
		return nil, err
	}
	if len(items) != len(req.ItemIDs) {
		return nil, reject("Your cart contains an item that is no longer available.")
	}

	discount, err := s.lookupDiscount(ctx, req.DiscountCode, now)
	if err != nil {
		return nil, err
	}

	orgDonation := req.OrgDonation
	if orgDonation.IsNegative() {
		orgDonation = decimal.Zero
	}
	charityDonation := req.CharityDonation
	if charityDonation.IsNegative() {
		charityDonation = decimal.Zero
	}

	subtotal := cartSubtotal(items, discount, now)
	total := subtotal.Add(orgDonation).Add(charityDonation)

	order, err := s.prepareOrder(ctx, items, now)
	if err != nil {
		return nil, err
	}

	order.OrgDonation = orgDonation
	order.CharityDonation = charityDonation
	order.Total = total
	order.BillingName = req.Billing.FirstName + " " + req.Billing.LastName
	order.BillingAddress1 = req.Billing.Address1
	order.BillingAddress2 = req.Billing.Address2
	order.BillingCity = req.Billing.City
	order.BillingState = req.Billing.State
	order.BillingCountry = req.Billing.Country
	order.BillingPostal = req.Billing.Postal
	order.BillingEmail = req.Billing.Email
	if discount != nil {
		order.DiscountID = &discount.ID
	}

	switch {
	case req.Onsite:
		err = s.finishOnsiteCheckout(ctx, order, now)
	case total.IsZero():
		err = s.finishZeroCheckout(ctx, order, now)
	default:
		err = s.chargeOrder(ctx, order, req, now)
	}
	if err != nil {
		return nil, err
	}

	// Позиции с существующими заказами уже перевешаны на выжившего при слиянии;
	// привязать осталось только свободные позиции корзины.
	var looseIDs []int64
	for _, li := range items {
		if li.Item.OrderID == nil {
			looseIDs = append(looseIDs, li.Item.ID)
		}
	}
	if len(looseIDs) > 0 {
		if err := s.repo.AttachOrderItems(ctx, order.ID, looseIDs); err != nil {
			return nil, err
		}
	}
	s.consumeDiscount(ctx, discount)

	result := &CheckoutResult{Order: order, Total: order.Total}
	if !req.Onsite {
		result.EmailWarning = s.sendConfirmation(ctx, order)
	}

	s.logger.Info("checkout complete",
		zap.String("reference", order.Reference),
		zap.String("status", string(order.Status)),
		zap.String("total", money.Format(order.Total)),
	)
	return result, nil
}

// prepareOrder возвращает заказ для оформляемой корзины. Если часть бейджей
// уже привязана к своим заказам, они сливаются в один, иначе создаётся новый
// заказ со свежим кодом подтверждения.
func (s *Service) prepareOrder(ctx context.Context, items []model.LineItem, now time.Time) (*model.Order, error) {
	seen := make(map[int64]struct{})
	var existing []int64
	for _, li := range items {
		if li.Item.OrderID == nil {
			continue
		}
		if _, ok := seen[*li.Item.OrderID]; ok {
			continue
		}
		seen[*li.Item.OrderID] = struct{}{}
		existing = append(existing, *li.Item.OrderID)
	}

	if len(existing) > 0 {
		return s.repo.CombineOrders(ctx, existing)
	}

	order := &model.Order{
		Status:      model.OrderPending,
		BillingType: model.BillingUnpaid,
		CreatedDate: now,
	}
	if err := s.createOrderWithReference(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// finishZeroCheckout закрывает заказ с нулевым итогом без обращения к шлюзу.
func (s *Service) finishZeroCheckout(ctx context.Context, order *model.Order, now time.Time) error {
	order.Total = decimal.Zero
	order.OrgDonation = decimal.Zero
	order.CharityDonation = decimal.Zero
	order.Status = model.OrderCompleted
	order.BillingType = model.BillingComp
	settled := now
	order.SettledDate = &settled
	return s.repo.UpdateOrder(ctx, order)
}

// finishOnsiteCheckout оставляет заказ ждать оплату на стойке регистрации.
func (s *Service) finishOnsiteCheckout(ctx context.Context, order *model.Order, now time.Time) error {
	order.Status = model.OrderOnsitePending
	order.BillingType = model.BillingUnpaid
	order.AppendNote(now, "Order held for onsite payment.")
	return s.repo.UpdateOrder(ctx, order)
}

// chargeOrder проводит платёж через шлюз. Ответ провайдера сохраняется в заказ
// дословно независимо от исхода; при отказе заказ помечается Failed.
func (s *Service) chargeOrder(ctx context.Context, order *model.Order, req CheckoutRequest, now time.Time) error {
	result, err := s.gw.CreatePayment(ctx, gateway.ChargeRequest{
		IdempotencyKey:    req.IdempotencyKey,
		SourceID:          req.SourceID,
		VerificationToken: req.Verification,
		Amount:            order.Total,
		Reference:         order.Reference,
		BillingAddress: gateway.BillingAddress{
			AddressLine1: req.Billing.Address1,
			AddressLine2: req.Billing.Address2,
			Locality:     req.Billing.City,
			District:     req.Billing.State,
			PostalCode:   req.Billing.Postal,
			Country:      req.Billing.Country,
			Email:        req.Billing.Email,
			FirstName:    req.Billing.FirstName,
			LastName:     req.Billing.LastName,
		},
	})
	if err != nil {
		order.Status = model.OrderFailed
		if saveErr := s.repo.UpdateOrder(ctx, order); saveErr != nil {
			s.logger.Error("save failed order", zap.Error(saveErr), zap.String("reference", order.Reference))
		}
		return fmt.Errorf("charge payment: %w", err)
	}

	snapshot := order.Snapshot()
	snapshot.Charge = result.Raw
	snapshot.Payment = result.Payment

	if !result.Success() {
		order.Status = model.OrderFailed
		if saveErr := s.repo.UpdateOrder(ctx, order); saveErr != nil {
			s.logger.Error("save failed order", zap.Error(saveErr), zap.String("reference", order.Reference))
		}
		s.logger.Warn("charge declined",
			zap.String("reference", order.Reference),
			zap.String("errors", gateway.FormatErrors(result.Errors)),
		)
		return reject("Your card was declined: %s", gateway.FormatErrors(result.Errors))
	}

	order.Status = model.OrderCompleted
	order.BillingType = model.BillingCredit
	settled := now
	order.SettledDate = &settled
	if last4, ok := result.Payment.Last4(); ok {
		order.LastFour = last4
	}
	order.AppendNote(now, "Payment accepted, gateway id "+result.Payment.ID)
	return s.repo.UpdateOrder(ctx, order)
}

// sendConfirmation шлёт письмо о заказе. Сбой почты не отменяет оплату и
// возвращается как предупреждение для клиента.
func (s *Service) sendConfirmation(ctx context.Context, order *model.Order) string {
	if s.mailer == nil || order.BillingEmail == "" {
		return ""
	}

	subject := "Registration payment confirmation " + order.Reference
	text := fmt.Sprintf(
		"Your payment of %s has been received.\nOrder reference: %s\nStatus: %s\n",
		money.Format(order.Total), order.Reference, order.Status,
	)
	if err := s.mailer.Send(ctx, subject, []string{order.BillingEmail}, text, ""); err != nil {
		s.logger.Error("send confirmation email", zap.Error(err), zap.String("reference", order.Reference))
		return fmt.Sprintf(
			"Your payment succeeded but we could not send a confirmation email. Please contact %s with any questions.",
			s.registrationEmail,
		)
	}
	return ""
}
