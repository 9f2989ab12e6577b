package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer authenticates REST requests. Implementations must be safe for
// concurrent use.
type Signer interface {
	APIKey() string
	Sign(payload string) string
}

// HMACSigner signs request payloads with HMAC-SHA256 over the API secret.
type HMACSigner struct {
	apiKey string
	secret []byte
}

// NewHMACSigner creates a signer for the given credentials.
func NewHMACSigner(apiKey, apiSecret string) *HMACSigner {
	return &HMACSigner{apiKey: apiKey, secret: []byte(apiSecret)}
}

// APIKey returns the key sent in the X-MBX-APIKEY header.
func (s *HMACSigner) APIKey() string {
	return s.apiKey
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *HMACSigner) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signQuery encodes params with sorted keys, appends the current time in
// milliseconds as the trailing timestamp pair, and appends the signature
// over the exact string built so far. The returned query must be sent
// unmodified or the exchange will reject the signature.
func signQuery(s Signer, params url.Values, now func() time.Time) string {
	qs := params.Encode()
	ts := "timestamp=" + strconv.FormatInt(now().UnixMilli(), 10)
	if qs == "" {
		qs = ts
	} else {
		qs += "&" + ts
	}
	return qs + "&signature=" + s.Sign(qs)
}
