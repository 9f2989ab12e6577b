package binance

import (
	"errors"
	"fmt"
)

// ErrOrderRateLimited is returned when the local order admission gate is at
// capacity. No request reaches the network and nothing is retried.
var ErrOrderRateLimited = errors.New("order rate limit reached")

// APIError carries the error envelope returned by the exchange together with
// the HTTP status of the response. Transport failures without a response are
// not APIErrors.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error - Code: %d, Message: %s", e.Code, e.Message)
}

// IsRateLimited reports whether the exchange rejected the request for
// exceeding a rate limit.
func (e *APIError) IsRateLimited() bool {
	return e.HTTPStatus == 429 || e.Code == -1003
}

// IsIPBan reports whether the source address has been banned. Binance uses
// 418 for auto-bans after repeated 429s.
func (e *APIError) IsIPBan() bool {
	return e.HTTPStatus == 418
}

// AsAPIError unwraps err into an *APIError when one is present.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// retriableStatus reports whether the HTTP status is in the configured
// retriable set.
func retriableStatus(status int, codes []int) bool {
	for _, c := range codes {
		if status == c {
			return true
		}
	}
	return false
}
