// Package middleware содержит HTTP middleware сервиса регистрации.
package middleware

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const terminalNameKey contextKey = "terminalName"

const terminalTokenTTL = 24 * time.Hour

// TerminalAuth выполняет проверку операторских запросов по токену,
// привязанному к имени терминала.
type TerminalAuth struct {
	secretKey []byte
}

// NewTerminalAuth создаёт middleware с указанным секретным ключом. Пустой ключ
// заменяется случайным: ранее выданные токены при этом перестают действовать.
func NewTerminalAuth(secret string) *TerminalAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &TerminalAuth{
		secretKey: key,
	}
}

type terminalClaims struct {
	Terminal string `json:"terminal"`
	jwt.RegisteredClaims
}

// Middleware проверяет bearer-токен и добавляет имя терминала в контекст запроса.
func (a *TerminalAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		terminal, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), terminalNameKey, terminal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выдаёт токен для терминала с указанным именем.
func (a *TerminalAuth) IssueToken(terminal string) (string, error) {
	now := time.Now()
	claims := terminalClaims{
		Terminal: terminal,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(terminalTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign terminal token: %w", err)
	}
	return signed, nil
}

func (a *TerminalAuth) parseToken(raw string) (string, bool) {
	claims := &terminalClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid || claims.Terminal == "" {
		return "", false
	}
	return claims.Terminal, true
}

// GetTerminalFromContext извлекает имя терминала из контекста запроса.
func GetTerminalFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(terminalNameKey).(string)
	return name, ok
}
