package model

import "encoding/json"

// PaymentSnapshot — последний известный снимок данных платёжного шлюза по
// заказу: платёж, связанные возвраты и диспут. Исходные JSON-объекты провайдера
// сохраняются дословно и имеют приоритет при сериализации, чтобы не терять
// неизвестные поля.
type PaymentSnapshot struct {
	Payment *Payment `json:"payment,omitempty"`
	Refunds []Refund `json:"refunds,omitempty"`
	Dispute *Dispute `json:"dispute,omitempty"`
	Onsite  *Onsite  `json:"onsite,omitempty"`
	// Charge — полный ответ шлюза на последнюю попытку списания,
	// сохраняется дословно и для отклонённых платежей.
	Charge json.RawMessage `json:"charge_response,omitempty"`
}

// HasRefund сообщает, сохранён ли возврат с указанным идентификатором.
func (s *PaymentSnapshot) HasRefund(id string) bool {
	for _, r := range s.Refunds {
		if r.ID == id {
			return true
		}
	}
	return false
}

// ReplaceRefund заменяет сохранённый возврат с тем же идентификатором.
// Возвращает false, если возврат не найден.
func (s *PaymentSnapshot) ReplaceRefund(updated Refund) bool {
	for i, r := range s.Refunds {
		if r.ID == updated.ID {
			s.Refunds[i] = updated
			return true
		}
	}
	return false
}

// PaymentID возвращает идентификатор платежа, если он известен.
func (s *PaymentSnapshot) PaymentID() (string, bool) {
	if s == nil || s.Payment == nil || s.Payment.ID == "" {
		return "", false
	}
	return s.Payment.ID, true
}

// MoneyAmount — денежная сумма провайдера в минорных единицах.
type MoneyAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// Card содержит маскированные данные карты.
type Card struct {
	Last4 string `json:"last_4,omitempty"`
}

// CardDetails — сведения о карте из ответа провайдера.
type CardDetails struct {
	Card *Card `json:"card,omitempty"`
}

// Onsite — метаданные терминального завершения оплаты.
type Onsite struct {
	ClientTransactionID string `json:"client_transaction_id,omitempty"`
	ServerTransactionID string `json:"server_transaction_id,omitempty"`
}

// Payment — распознанные поля платежа провайдера. raw хранит исходный JSON;
// если он задан, сериализация возвращает его без изменений.
type Payment struct {
	ID            string       `json:"id"`
	Status        string       `json:"status,omitempty"`
	TotalMoney    *MoneyAmount `json:"total_money,omitempty"`
	RefundedMoney *MoneyAmount `json:"refunded_money,omitempty"`
	RefundIDs     []string     `json:"refund_ids,omitempty"`
	CardDetails   *CardDetails `json:"card_details,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON разбирает платёж и сохраняет исходный JSON провайдера.
func (p *Payment) UnmarshalJSON(b []byte) error {
	type alias Payment
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = Payment(a)
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON возвращает исходный JSON провайдера, если он сохранён.
func (p Payment) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	type alias Payment
	return json.Marshal(alias(p))
}

// Last4 возвращает последние четыре цифры карты, если они известны.
func (p *Payment) Last4() (string, bool) {
	if p == nil || p.CardDetails == nil || p.CardDetails.Card == nil || p.CardDetails.Card.Last4 == "" {
		return "", false
	}
	return p.CardDetails.Card.Last4, true
}

// Refund — распознанные поля возврата провайдера с сохранением исходного JSON.
type Refund struct {
	ID          string       `json:"id"`
	Status      string       `json:"status,omitempty"`
	PaymentID   string       `json:"payment_id,omitempty"`
	AmountMoney *MoneyAmount `json:"amount_money,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON разбирает возврат и сохраняет исходный JSON провайдера.
func (r *Refund) UnmarshalJSON(b []byte) error {
	type alias Refund
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = Refund(a)
	r.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON возвращает исходный JSON провайдера, если он сохранён.
func (r Refund) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	type alias Refund
	return json.Marshal(alias(r))
}

// DisputedPayment — ссылка диспута на оспоренный платёж.
type DisputedPayment struct {
	PaymentID string `json:"payment_id"`
}

// Dispute — распознанные поля диспута провайдера с сохранением исходного JSON.
type Dispute struct {
	ID              string           `json:"id,omitempty"`
	State           string           `json:"state"`
	DisputedPayment *DisputedPayment `json:"disputed_payment,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON разбирает диспут и сохраняет исходный JSON провайдера.
func (d *Dispute) UnmarshalJSON(b []byte) error {
	type alias Dispute
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = Dispute(a)
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON возвращает исходный JSON провайдера, если он сохранён.
func (d Dispute) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	type alias Dispute
	return json.Marshal(alias(d))
}

// WebhookEvent — конверт входящего события платёжного шлюза.
type WebhookEvent struct {
	EventID string           `json:"event_id"`
	Type    string           `json:"type"`
	Data    WebhookEventData `json:"data"`
}

// WebhookEventData — полезная нагрузка события.
type WebhookEventData struct {
	ID     string             `json:"id"`
	Object WebhookEventObject `json:"object"`
}

// WebhookEventObject — вложенный объект события; заполняется ровно одно поле.
type WebhookEventObject struct {
	Payment *Payment `json:"payment,omitempty"`
	Refund  *Refund  `json:"refund,omitempty"`
	Dispute *Dispute `json:"dispute,omitempty"`
}
