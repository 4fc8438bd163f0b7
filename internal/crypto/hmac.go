package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names used by the exchange's HMAC authentication.
const (
	HeaderAccessKey        = "ACCESS-KEY"
	HeaderAccessSign       = "ACCESS-SIGN"
	HeaderAccessTimestamp  = "ACCESS-TIMESTAMP"
	HeaderAccessPassphrase = "ACCESS-PASSPHRASE"
)

// HMACAuth holds the credentials required for signed exchange requests.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret, used raw as the HMAC key
	Passphrase string // API passphrase
}

// Headers returns the authentication headers for a request.
// The signature is HMAC-SHA256(secret, timestamp+METHOD+requestPath+body)
// encoded as base64, where requestPath includes the query string and the
// timestamp is in Unix milliseconds.
//
// Returned header keys:
//   - ACCESS-KEY
//   - ACCESS-SIGN
//   - ACCESS-TIMESTAMP
//   - ACCESS-PASSPHRASE
func (h *HMACAuth) Headers(method, requestPath, body string) map[string]string {
	return h.HeadersAt(method, requestPath, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the Unix millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, requestPath, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	return map[string]string{
		HeaderAccessKey:        h.Key,
		HeaderAccessSign:       Sign(h.Secret, ts, method, requestPath, body),
		HeaderAccessTimestamp:  ts,
		HeaderAccessPassphrase: h.Passphrase,
	}
}

// Sign computes the base64 HMAC-SHA256 request signature.
func Sign(secret, timestamp, method, requestPath, body string) string {
	return hmacSHA256Base64([]byte(secret), timestamp+method+requestPath+body)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
