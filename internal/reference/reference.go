// Package reference содержит генерацию и валидацию кодов подтверждения заказа.
package reference

import (
	"crypto/rand"
	"math/big"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length — длина кода подтверждения.
const Length = 6

// New возвращает случайный код подтверждения. Уникальность обеспечивает
// хранилище; при коллизии вызывающая сторона генерирует код заново.
func New() string {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand на поддерживаемых платформах не возвращает ошибок
			panic(err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}

// IsValid проверяет, что строка является корректным кодом подтверждения.
func IsValid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
