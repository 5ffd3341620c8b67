// Package service реализует бизнес-логику платёжного ядра регистрации:
// оформление заказов, сверку платежей, возвраты и обработку вебхуков.
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
	"github.com/mmeshcher/conreg-system/internal/reference"
	"github.com/mmeshcher/conreg-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	GetOrderByReference(ctx context.Context, ref string) (*model.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*model.Order, error)
	GetOrderByRefundID(ctx context.Context, refundID string) (*model.Order, error)
	RefundExists(ctx context.Context, refundID string) (bool, error)
	AttachOrderItems(ctx context.Context, orderID int64, itemIDs []int64) error
	GetLineItems(ctx context.Context, itemIDs []int64) ([]model.LineItem, error)
	GetLineItemsByOrder(ctx context.Context, orderID int64) ([]model.LineItem, error)
	CombineOrders(ctx context.Context, orderIDs []int64) (*model.Order, error)
	CompleteCashSale(ctx context.Context, ref string, total, tendered decimal.Decimal, operator, terminal string, now time.Time) (*model.Order, error)
	CompleteCardSale(ctx context.Context, ref string, mutate func(*model.Order) error) (*model.Order, error)
	GetDiscountByCode(ctx context.Context, code string) (*model.Discount, error)
	ConsumeDiscount(ctx context.Context, discountID int64) (bool, error)
	InsertWebhookNotification(ctx context.Context, n *model.PaymentWebhookNotification) error
	MarkWebhookProcessed(ctx context.Context, id int64, processed bool) error
	CreateCashdrawerEntry(ctx context.Context, e *model.CashdrawerEntry) error
	DrawerTotal(ctx context.Context) (decimal.Decimal, error)
	AddBanEntries(ctx context.Context, entries []model.BanListEntry) error
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.ChargeRequest) (*gateway.PaymentResult, error)
	GetPayment(ctx context.Context, paymentID string) (*gateway.PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal, reason string) (*gateway.RefundResult, error)
	GetRefund(ctx context.Context, refundID string) (*gateway.RefundResult, error)
	CreateOrder(ctx context.Context, order gateway.ExternalOrder) string
	PromptTerminalPayment(ctx context.Context, deviceID string, amount decimal.Decimal, ref, note, externalOrderID string) error
	PrintReceipt(ctx context.Context, deviceID, paymentID, idempotencyKey string) bool
	ListDevices(ctx context.Context) ([]gateway.Device, error)
}

// Mailer отправляет письма. Сбой отправки не отменяет успешную оплату.
type Mailer interface {
	Send(ctx context.Context, subject string, recipients []string, text, html string) error
}

// Publisher публикует уведомления терминалам без гарантий доставки.
type Publisher interface {
	Publish(topic string, payload any)
}

// Rejection — отказ бизнес-правила, возвращаемый вызывающей стороне как
// структурированная причина, а не как внутренняя ошибка.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection сообщает, является ли ошибка отказом бизнес-правила.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// DiscountInvalidMessage — причина отказа для недействительной скидки.
const DiscountInvalidMessage = "That discount is not valid."

// Service содержит бизнес-логику платёжного ядра.
type Service struct {
	repo              Repository
	gw                Gateway
	mailer            Mailer
	publisher         Publisher
	logger            *zap.Logger
	registrationEmail string
}

// NewService создаёт сервис с внедрёнными зависимостями. Клиент шлюза
// конструируется один раз при старте процесса и передаётся сюда явно.
func NewService(repo Repository, gw Gateway, mailer Mailer, publisher Publisher, logger *zap.Logger, registrationEmail string) *Service {
	return &Service{
		repo:              repo,
		gw:                gw,
		mailer:            mailer,
		publisher:         publisher,
		logger:            logger,
		registrationEmail: registrationEmail,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// lineTotal считает сумму позиции: базовая цена уровня плюс опции. Опция с
// целочисленным значением умножает цену на это значение, остальные добавляют
// фиксированную цену один раз.
func lineTotal(li model.LineItem) decimal.Decimal {
	total := li.Level.BasePrice
	for _, opt := range li.Options {
		if opt.Option.ExtraType == model.OptionExtraInt {
			if opt.Value == "" {
				continue
			}
			qty, err := decimal.NewFromString(opt.Value)
			if err != nil {
				continue
			}
			total = total.Add(opt.Option.Price.Mul(qty))
		} else {
			total = total.Add(opt.Option.Price)
		}
	}
	return total
}

// resolveDiscount возвращает сумму скидки для подытога позиции. Недействительная
// скидка даёт ноль. Фиксированная сумма намеренно не ограничивается подытогом.
func resolveDiscount(d *model.Discount, subtotal decimal.Decimal, now time.Time) decimal.Decimal {
	if d == nil || !d.Valid(now) {
		return decimal.Zero
	}
	if d.AmountOff != nil {
		return *d.AmountOff
	}
	if d.PercentOff != nil {
		return money.Percent(subtotal, *d.PercentOff)
	}
	return decimal.Zero
}

// cartSubtotal считает подытог корзины: скидка применяется к каждой позиции,
// отрицательные позиции не уменьшают итог.
func cartSubtotal(items []model.LineItem, discount *model.Discount, now time.Time) decimal.Decimal {
	subtotal := decimal.Zero
	for _, li := range items {
		itemTotal := lineTotal(li)
		itemTotal = itemTotal.Sub(resolveDiscount(discount, itemTotal, now))
		if itemTotal.IsPositive() {
			subtotal = subtotal.Add(itemTotal)
		}
	}
	return subtotal
}

// lookupDiscount возвращает действующую скидку по коду или nil.
func (s *Service) lookupDiscount(ctx context.Context, code string, now time.Time) (*model.Discount, error) {
	if code == "" {
		return nil, nil
	}
	d, err := s.repo.GetDiscountByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountNotFound) {
			return nil, reject(DiscountInvalidMessage)
		}
		return nil, err
	}
	if !d.Valid(now) {
		return nil, reject(DiscountInvalidMessage)
	}
	return d, nil
}

// consumeDiscount фиксирует использование скидки после успешного оформления.
// Инкремент атомарный; проигрыш гонки за разовую скидку логируется, но оплату
// не отменяет — деньги уже списаны.
func (s *Service) consumeDiscount(ctx context.Context, d *model.Discount) {
	if d == nil {
		return
	}
	consumed, err := s.repo.ConsumeDiscount(ctx, d.ID)
	if err != nil {
		s.logger.Error("consume discount error", zap.Error(err), zap.String("code", d.CodeName))
		return
	}
	if !consumed {
		s.logger.Warn("one-time discount raced by a concurrent checkout", zap.String("code", d.CodeName))
	}
}

// createOrderWithReference сохраняет заказ, перегенерируя код подтверждения
// при коллизии.
func (s *Service) createOrderWithReference(ctx context.Context, o *model.Order) error {
	for attempt := 0; attempt < 5; attempt++ {
		o.Reference = reference.New()
		err := s.repo.CreateOrder(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrReferenceExists) {
			return err
		}
	}
	return fmt.Errorf("could not allocate a unique order reference")
}
