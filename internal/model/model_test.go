package model

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDisputeStatus(t *testing.T) {
	tests := []struct {
		state string
		want  OrderStatus
	}{
		{"EVIDENCE_REQUIRED", OrderDisputeEvidenceRequired},
		{"PROCESSING", OrderDisputeProcessing},
		{"WON", OrderDisputeWon},
		{"LOST", OrderDisputeLost},
		{"ACCEPTED", OrderDisputeAccepted},
		{"INQUIRY_EVIDENCE_REQUIRED", OrderDisputeEvidenceRequired},
		{"INQUIRY_PROCESSING", OrderDisputeProcessing},
		{"INQUIRY_CLOSED", OrderDisputeWon},
	}

	for _, tt := range tests {
		got, err := DisputeStatus(tt.state)
		if err != nil {
			t.Fatalf("DisputeStatus(%q): %v", tt.state, err)
		}
		if got != tt.want {
			t.Errorf("DisputeStatus(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDisputeStatusUnmappedState(t *testing.T) {
	if _, err := DisputeStatus("SOMETHING_NEW"); err == nil {
		t.Fatalf("unmapped dispute state must be an error, not a silent default")
	}
}

func TestReconcileDonations(t *testing.T) {
	now := time.Now()

	order := &Order{
		Total:           decimal.RequireFromString("20.00"),
		OrgDonation:     decimal.RequireFromString("10.00"),
		CharityDonation: decimal.RequireFromString("5.00"),
	}
	if order.ReconcileDonations(now) {
		t.Fatalf("donations within total must not be reset")
	}

	// Возврат уменьшил итог ниже суммы пожертвований.
	order.Total = decimal.RequireFromString("8.00")
	if !order.ReconcileDonations(now) {
		t.Fatalf("expected donation reset")
	}
	if !order.OrgDonation.IsZero() {
		t.Errorf("org donation = %s, want 0", order.OrgDonation)
	}
	if !order.CharityDonation.Equal(order.Total) {
		t.Errorf("charity donation = %s, want %s", order.CharityDonation, order.Total)
	}
	if !strings.Contains(order.Notes, DonationResetNote) {
		t.Errorf("notes must record the reset, got %q", order.Notes)
	}
}

func TestAppendNoteIsAppendOnly(t *testing.T) {
	now := time.Now()
	order := &Order{Notes: "initial"}

	order.AppendNote(now, "first")
	order.AppendNote(now, "second")

	if !strings.HasPrefix(order.Notes, "initial") {
		t.Fatalf("existing notes must be preserved, got %q", order.Notes)
	}
	if !strings.Contains(order.Notes, "first") || !strings.Contains(order.Notes, "second") {
		t.Fatalf("both notes must be present, got %q", order.Notes)
	}
}

func TestDiscountValid(t *testing.T) {
	now := time.Now()
	base := Discount{
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
	}

	if !base.Valid(now) {
		t.Errorf("discount within its window must be valid")
	}

	expired := base
	expired.EndDate = now.Add(-time.Minute)
	if expired.Valid(now) {
		t.Errorf("expired discount must be invalid")
	}

	future := base
	future.StartDate = now.Add(time.Minute)
	if future.Valid(now) {
		t.Errorf("not yet started discount must be invalid")
	}

	usedOneTime := base
	usedOneTime.OneTime = true
	usedOneTime.Used = 1
	if usedOneTime.Valid(now) {
		t.Errorf("consumed one-time discount must be invalid")
	}

	reusable := base
	reusable.Used = 100
	if !reusable.Valid(now) {
		t.Errorf("multi-use discount must stay valid after use")
	}
}
