package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:     srv.URL,
		AccessToken: "test-token",
		LocationID:  "loc-1",
		Currency:    "USD",
	}, zap.NewNop())
}

func TestCreatePaymentSuccess(t *testing.T) {
	var gotBody map[string]any

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"payment":{"id":"pay_1","status":"COMPLETED","total_money":{"amount":7500,"currency":"USD"},"card_details":{"card":{"last_4":"4242"}},"unknown_field":42}}`))
	})

	result, err := client.CreatePayment(context.Background(), ChargeRequest{
		IdempotencyKey: "key-1",
		SourceID:       "nonce",
		Amount:         decimal.RequireFromString("75.00"),
		Reference:      "ABC123",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	if !result.Success() {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if result.Payment.ID != "pay_1" || result.Payment.Status != "COMPLETED" {
		t.Errorf("payment fields lost: %+v", result.Payment)
	}
	if last4, ok := result.Payment.Last4(); !ok || last4 != "4242" {
		t.Errorf("Last4() = %q, %v; want 4242, true", last4, ok)
	}
	if !strings.Contains(string(result.Raw), "unknown_field") {
		t.Errorf("raw response must be retained verbatim")
	}

	amount, ok := gotBody["amount_money"].(map[string]any)
	if !ok || amount["amount"].(float64) != 7500 {
		t.Errorf("amount_money = %v, want 7500 minor units", gotBody["amount_money"])
	}
	if gotBody["idempotency_key"] != "key-1" {
		t.Errorf("idempotency_key = %v, want key-1", gotBody["idempotency_key"])
	}
}

func TestCreatePaymentDeclined(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"CARD_DECLINED","detail":"Card declined."}]}`))
	})

	result, err := client.CreatePayment(context.Background(), ChargeRequest{
		SourceID: "nonce",
		Amount:   decimal.RequireFromString("10.00"),
	})
	if err != nil {
		t.Fatalf("decline must not be a transport error: %v", err)
	}
	if result.Success() {
		t.Fatalf("expected declined result")
	}

	msg := FormatErrors(result.Errors)
	if !strings.Contains(msg, "CARD_DECLINED") || !strings.Contains(msg, "Card declined.") {
		t.Errorf("FormatErrors() = %q", msg)
	}
}

func TestRefundPayment(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/refunds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"refund":{"id":"ref_1","status":"PENDING","payment_id":"pay_1","amount_money":{"amount":500}}}`))
	})

	result, err := client.RefundPayment(context.Background(), "pay_1", decimal.RequireFromString("5.00"), "test")
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if !result.Success() || result.Refund.ID != "ref_1" || result.Refund.Status != "PENDING" {
		t.Fatalf("unexpected refund result: %+v", result.Refund)
	}
}

func TestListDevicesPagination(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"devices":[{"id":"dev_1","name":"Front desk"}],"cursor":"next"}`))
			return
		}
		w.Write([]byte(`{"devices":[{"id":"dev_2","name":"Back office"}]}`))
	})

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 paginated calls, got %d", calls)
	}
	if len(devices) != 2 || devices[0].ID != "dev_1" || devices[1].ID != "dev_2" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("supplied"); got != "supplied" {
		t.Errorf("IdempotencyKey must keep the supplied key, got %q", got)
	}
	a := IdempotencyKey("")
	b := IdempotencyKey("")
	if a == "" || a == b {
		t.Errorf("generated keys must be unique and non-empty: %q, %q", a, b)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	key := "signature-key"
	url := "https://reg.example.com/api/webhooks/payment"
	body := []byte(`{"event_id":"evt_1"}`)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(url))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyWebhookSignature(body, signature, key, url) {
		t.Errorf("valid signature rejected")
	}
	if VerifyWebhookSignature(body, signature, "other-key", url) {
		t.Errorf("signature with wrong key accepted")
	}
	if VerifyWebhookSignature([]byte(`{"event_id":"evt_2"}`), signature, key, url) {
		t.Errorf("signature for different body accepted")
	}
	if VerifyWebhookSignature(body, "", key, url) {
		t.Errorf("empty signature accepted")
	}
	if VerifyWebhookSignature(body, signature, "", url) {
		t.Errorf("empty key accepted")
	}
}
