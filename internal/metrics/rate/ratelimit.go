package rate

import (
	"strings"

	"fundflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the
// given API surface and emits the metric to CloudWatch.
func ReportRateLimitExceeded(log *logger.Log, component, symbol string) {
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": "binance",
		"symbol":   symbol,
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter and emits the metric to
// CloudWatch. A ban means every request from this address will fail until the
// exchange lifts it, so it is logged at error level.
func ReportIPBan(log *logger.Log, component, symbol string) {
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": "binance",
		"symbol":   symbol,
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects an error message returned by the exchange and
// determines whether it signals a rate limit breach or an IP ban.
func detectLimit(msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
	ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	return
}

// banLiftTime extracts the "banned until" millisecond timestamp that the
// exchange embeds in ban messages. Returns 0 when none is present.
func banLiftTime(msg string) int64 {
	for _, n := range extractInts(msg) {
		// Millisecond epochs are 13 digits; skip status codes and the like.
		if n > 1_000_000_000_000 {
			return n
		}
	}
	return 0
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban
// wording and records the appropriate metrics. No action is taken when the
// message does not match any known patterns.
func ReportLimitFromMessage(log *logger.Log, component, symbol, msg string) {
	rateLimit, ipBan := detectLimit(msg)
	if rateLimit {
		ReportRateLimitExceeded(log, component, symbol)
	}
	if ipBan {
		ReportIPBan(log, component, symbol)
		if until := banLiftTime(msg); until > 0 {
			log.WithComponent(component).WithFields(logger.Fields{
				"banned_until": until,
			}).Warn("ban lift time reported by exchange")
		}
	}
}
