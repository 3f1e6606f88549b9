package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Headers carrying the API key and the request signature.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSignature signs payload with the current Unix time and returns the
// header values a sender should attach.
func GenerateSignature(payload []byte, secret string) (signature, timestamp string, err error) {
	if secret == "" {
		return "", "", errors.New("webhook secret is empty")
	}
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	return Sign(secret, timestamp, payload), timestamp, nil
}

func signaturesEqual(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}
