package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// VerifyWebhookSignature проверяет подпись входящего вебхука: HMAC-SHA256 от
// конкатенации URL приёма уведомлений и тела запроса, закодированный base64.
// Сравнение выполняется за константное время.
func VerifyWebhookSignature(body []byte, signature, key, notificationURL string) bool {
	if signature == "" || key == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
