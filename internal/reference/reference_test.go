package reference

import "testing"

func TestNewProducesValidCodes(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		code := New()
		if !IsValid(code) {
			t.Fatalf("New() produced invalid code %q", code)
		}
		seen[code] = struct{}{}
	}
	// 100 кодов из пространства 36^6 практически не должны совпадать
	if len(seen) < 99 {
		t.Errorf("too many duplicate codes: %d unique out of 100", len(seen))
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABC123", true},
		{"ZZZZZZ", true},
		{"000000", true},
		{"abc123", false},
		{"ABC12", false},
		{"ABC1234", false},
		{"ABC-12", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.code); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
