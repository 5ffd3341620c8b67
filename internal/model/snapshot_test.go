package model

import (
	"encoding/json"
	"strings"
	"testing"
)

// Неизвестные поля провайдера должны переживать цикл разбора и сериализации.
func TestPaymentRawRoundTrip(t *testing.T) {
	raw := `{"id":"pay_1","status":"COMPLETED","total_money":{"amount":7500,"currency":"USD"},"future_field":{"nested":true}}`

	var p Payment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}
	if p.ID != "pay_1" || p.Status != "COMPLETED" {
		t.Fatalf("parsed fields lost: %+v", p)
	}
	if p.TotalMoney == nil || p.TotalMoney.Amount != 7500 {
		t.Fatalf("total_money lost: %+v", p.TotalMoney)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payment: %v", err)
	}
	if !strings.Contains(string(out), "future_field") {
		t.Errorf("unknown provider field dropped on marshal: %s", out)
	}
}

func TestSnapshotRefundHelpers(t *testing.T) {
	s := &PaymentSnapshot{
		Refunds: []Refund{
			{ID: "ref_1", Status: "PENDING"},
			{ID: "ref_2", Status: "PENDING"},
		},
	}

	if !s.HasRefund("ref_1") {
		t.Errorf("HasRefund(ref_1) = false, want true")
	}
	if s.HasRefund("ref_9") {
		t.Errorf("HasRefund(ref_9) = true, want false")
	}

	if !s.ReplaceRefund(Refund{ID: "ref_2", Status: "COMPLETED"}) {
		t.Fatalf("ReplaceRefund(ref_2) = false, want true")
	}
	if s.Refunds[1].Status != "COMPLETED" {
		t.Errorf("refund not replaced: %+v", s.Refunds[1])
	}
	if s.ReplaceRefund(Refund{ID: "ref_9"}) {
		t.Errorf("ReplaceRefund of unknown refund must return false")
	}
}

func TestSnapshotPaymentID(t *testing.T) {
	var s *PaymentSnapshot
	if _, ok := s.PaymentID(); ok {
		t.Errorf("nil snapshot must have no payment id")
	}

	s = &PaymentSnapshot{}
	if _, ok := s.PaymentID(); ok {
		t.Errorf("empty snapshot must have no payment id")
	}

	s.Payment = &Payment{ID: "pay_1"}
	id, ok := s.PaymentID()
	if !ok || id != "pay_1" {
		t.Errorf("PaymentID() = %q, %v; want pay_1, true", id, ok)
	}
}

func TestWebhookEventParsing(t *testing.T) {
	raw := `{
		"event_id": "evt_1",
		"type": "refund.created",
		"data": {
			"id": "ref_1",
			"object": {
				"refund": {"id":"ref_1","status":"PENDING","payment_id":"pay_1","amount_money":{"amount":500}}
			}
		}
	}`

	var event WebhookEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.EventID != "evt_1" || event.Type != "refund.created" {
		t.Fatalf("envelope fields lost: %+v", event)
	}
	refund := event.Data.Object.Refund
	if refund == nil || refund.PaymentID != "pay_1" || refund.AmountMoney.Amount != 500 {
		t.Fatalf("refund object lost: %+v", refund)
	}
}
