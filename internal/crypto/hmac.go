package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names sent on signed metrics API requests.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Api-Timestamp"
	HeaderSignature = "X-Api-Signature"
)

// APIAuth signs requests to the metrics provider with HMAC-SHA256 over
// timestamp + method + path + body.
type APIAuth struct {
	Key    string
	Secret string
}

// Headers returns the auth headers for a request made now.
func (a APIAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied unix timestamp.
func (a APIAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Hex([]byte(a.Secret), ts+method+path+body),
	}
}

// Enabled reports whether credentials are configured.
func (a APIAuth) Enabled() bool {
	return a.Key != "" && a.Secret != ""
}

// String returns a redacted representation suitable for logging.
func (a APIAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APIAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
