// Package model содержит доменные сущности сервиса регистрации.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BillingType описывает способ оплаты заказа.
type BillingType string

const (
	BillingUnpaid BillingType = "Unpaid"
	BillingCredit BillingType = "Credit"
	BillingCash   BillingType = "Cash"
	BillingComp   BillingType = "Comp"
)

// OrderStatus описывает статус заказа в жизненном цикле оплаты.
type OrderStatus string

const (
	// OrderPending — платёж создан, но расчёт ещё не завершён.
	OrderPending OrderStatus = "Pending"
	// OrderCaptured — данные карты получены, но платёж не подтверждён онлайн.
	OrderCaptured OrderStatus = "Captured"
	// OrderCompleted — платёж проведён и рассчитан.
	OrderCompleted OrderStatus = "Completed"
	// OrderFailed — платёж отклонён.
	OrderFailed        OrderStatus = "Failed"
	OrderRefunded      OrderStatus = "Refunded"
	OrderRefundPending OrderStatus = "Refund Pending"
	// OrderOnsitePending — заказ создан онлайн, оплата ожидается на месте.
	OrderOnsitePending OrderStatus = "Onsite Pending"

	OrderDisputeEvidenceRequired OrderStatus = "Dispute Evidence Required"
	OrderDisputeProcessing       OrderStatus = "Dispute Processing"
	OrderDisputeWon              OrderStatus = "Dispute Won"
	OrderDisputeLost             OrderStatus = "Dispute Lost"
	OrderDisputeAccepted         OrderStatus = "Dispute Accepted"
)

// disputeStatusMap сопоставляет состояние диспута у провайдера со статусом заказа.
var disputeStatusMap = map[string]OrderStatus{
	"EVIDENCE_REQUIRED":         OrderDisputeEvidenceRequired,
	"PROCESSING":                OrderDisputeProcessing,
	"WON":                       OrderDisputeWon,
	"LOST":                      OrderDisputeLost,
	"ACCEPTED":                  OrderDisputeAccepted,
	"INQUIRY_EVIDENCE_REQUIRED": OrderDisputeEvidenceRequired,
	"INQUIRY_PROCESSING":        OrderDisputeProcessing,
	"INQUIRY_CLOSED":            OrderDisputeWon,
}

// DisputeStatus возвращает статус заказа для состояния диспута провайдера.
// Неизвестное состояние — жёсткая ошибка, а не деградация.
func DisputeStatus(state string) (OrderStatus, error) {
	status, ok := disputeStatusMap[state]
	if !ok {
		return "", fmt.Errorf("unmapped dispute state %q", state)
	}
	return status, nil
}

// Order — платёжная единица: объединяет позиции заказа, итоговую сумму и
// состояние расчётов с платёжным шлюзом.
type Order struct {
	ID              int64
	Total           decimal.Decimal
	Status          OrderStatus
	Reference       string
	CreatedDate     time.Time
	SettledDate     *time.Time
	DiscountID      *int64
	OrgDonation     decimal.Decimal
	CharityDonation decimal.Decimal
	Notes           string
	BillingName     string
	BillingAddress1 string
	BillingAddress2 string
	BillingCity     string
	BillingState    string
	BillingCountry  string
	BillingPostal   string
	BillingEmail    string
	BillingType     BillingType
	LastFour        string
	APIData         *PaymentSnapshot
}

// AppendNote дописывает строку в журнал заметок заказа. Журнал только
// пополняется и никогда не перезаписывается.
func (o *Order) AppendNote(now time.Time, message string) {
	o.Notes += fmt.Sprintf("\n%s: %s", now.UTC().Format(time.RFC3339), message)
}

// DonationResetNote — текст заметки при сбросе пожертвований после возврата.
const DonationResetNote = "Refunded order has caused charity and organization donation amounts to reset."

// ReconcileDonations проверяет инвариант orgDonation + charityDonation <= total.
// При нарушении обнуляет пожертвование организации, ограничивает благотворительное
// остатком и дописывает заметку. Возвращает true, если сброс произошёл.
func (o *Order) ReconcileDonations(now time.Time) bool {
	if o.OrgDonation.Add(o.CharityDonation).LessThanOrEqual(o.Total) {
		return false
	}
	o.OrgDonation = decimal.Zero
	o.CharityDonation = o.Total
	o.AppendNote(now, "Warning: "+DonationResetNote)
	return true
}

// Snapshot возвращает данные платежа, создавая пустой снимок при отсутствии.
func (o *Order) Snapshot() *PaymentSnapshot {
	if o.APIData == nil {
		o.APIData = &PaymentSnapshot{}
	}
	return o.APIData
}

// OrderItem связывает заказ с одним бейджем и его ценовым уровнем. Пока позиция
// лежит в корзине, OrderID равен nil.
type OrderItem struct {
	ID           int64
	OrderID      *int64
	BadgeID      int64
	PriceLevelID int64
	EnteredBy    string
	EnteredDate  time.Time
}

// Badge — непрозрачная для платёжного ядра ссылка на регистрацию участника.
type Badge struct {
	ID        int64
	BadgeName string
	FirstName string
	LastName  string
	Email     string
}

// PriceLevel описывает базовую цену уровня регистрации.
type PriceLevel struct {
	ID        int64
	Name      string
	BasePrice decimal.Decimal
}

// OptionExtraInt помечает опцию, цена которой умножается на целочисленное значение.
const OptionExtraInt = "int"

// PriceLevelOption описывает дополнительную платную опцию ценового уровня.
type PriceLevelOption struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	ExtraType string
	Quantity  *int64
}

// AttendeeOption — выбранная участником опция с введённым значением.
type AttendeeOption struct {
	Option PriceLevelOption
	Value  string
}

// LineItem — позиция заказа вместе с данными, необходимыми для расчёта суммы.
type LineItem struct {
	Item    OrderItem
	Badge   Badge
	Level   PriceLevel
	Options []AttendeeOption
}

// Discount описывает скидочный код: либо процент, либо фиксированная сумма.
type Discount struct {
	ID                    int64
	CodeName              string
	PercentOff            *int64
	AmountOff             *decimal.Decimal
	StartDate             time.Time
	EndDate               time.Time
	OneTime               bool
	Used                  int64
	WaiveRequiredDonation bool
}

// Valid сообщает, действует ли скидка в указанный момент. Разовая скидка
// перестаёт действовать после первого использования.
func (d *Discount) Valid(now time.Time) bool {
	if d.StartDate.After(now) || d.EndDate.Before(now) {
		return false
	}
	if d.OneTime && d.Used > 0 {
		return false
	}
	return true
}

// PaymentWebhookNotification — запись одного входящего события платёжного шлюза.
// Создаётся ровно один раз на event_id; processed выставляется после маршрутизации
// независимо от исхода бизнес-логики.
type PaymentWebhookNotification struct {
	ID        int64
	EventID   string
	EventType string
	Body      json.RawMessage
	Headers   map[string][]string
	Processed bool
	Timestamp time.Time
}

// CashdrawerAction — тип записи в журнале денежного ящика.
type CashdrawerAction string

const (
	DrawerOpen        CashdrawerAction = "Open"
	DrawerClose       CashdrawerAction = "Close"
	DrawerTransaction CashdrawerAction = "Transaction"
	DrawerDeposit     CashdrawerAction = "Deposit"
	DrawerDrop        CashdrawerAction = "Drop"
	DrawerPickup      CashdrawerAction = "Pickup"
	DrawerAdjustment  CashdrawerAction = "Adjustment"
)

// CashdrawerEntry — строка журнала ящика. Журнал только пополняется; состояние
// ящика выводится суммированием, а не хранится.
type CashdrawerEntry struct {
	ID        int64
	Timestamp time.Time
	Action    CashdrawerAction
	Total     decimal.Decimal
	Tendered  decimal.Decimal
	User      string
	Terminal  string
}

// BanListEntry — запись чёрного списка, создаваемая при открытии диспута.
type BanListEntry struct {
	FirstName string
	LastName  string
	Email     string
	Reason    string
}
