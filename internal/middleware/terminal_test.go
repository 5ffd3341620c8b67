package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func protectedHandler(t *testing.T, wantTerminal string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		terminal, ok := GetTerminalFromContext(r.Context())
		if !ok {
			t.Errorf("terminal name missing from context")
		}
		if terminal != wantTerminal {
			t.Errorf("terminal = %q, want %q", terminal, wantTerminal)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestTerminalAuthAcceptsIssuedToken(t *testing.T) {
	auth := NewTerminalAuth("secret")
	token, err := auth.IssueToken("front-desk")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	auth.Middleware(protectedHandler(t, "front-desk")).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTerminalAuthRejections(t *testing.T) {
	auth := NewTerminalAuth("secret")
	other := NewTerminalAuth("other-secret")

	foreignToken, err := other.IssueToken("front-desk")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + foreignToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			called := false
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
			auth.Middleware(next).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if called {
				t.Errorf("handler must not run without a valid token")
			}
		})
	}
}
