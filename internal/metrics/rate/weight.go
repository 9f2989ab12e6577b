package rate

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundflow/logger"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint to
// retrieve the REQUEST_WEIGHT per minute limit. It returns 0 if the limit
// cannot be determined.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// ReportUsedWeight inspects Binance used-weight headers and emits a gauge
// when a numeric value is found. The parsed weight and whether a metric was
// recorded are returned. When limit is greater than zero a utilization gauge
// is emitted alongside it and a warning is logged above 80 percent.
func ReportUsedWeight(log *logger.Log, header http.Header, component string, limit int64) (int64, bool) {
	if log == nil {
		return 0, false
	}

	keys := []string{"X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT"}
	for _, key := range keys {
		value := header.Get(key)
		if value == "" {
			continue
		}

		used, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"header": key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		l := log.WithComponent(component)
		fields := logger.Fields{"exchange": "binance", "window": "1m"}
		l.LogMetric(component, "used_weight", used, "gauge", fields)

		if limit > 0 {
			utilization := float64(used) / float64(limit)
			l.LogMetric(component, "used_weight_utilization", utilization, "gauge", fields)
			if utilization > 0.8 {
				log.WithComponent(component).WithFields(logger.Fields{
					"used":  used,
					"limit": limit,
				}).Warn("request weight approaching limit")
			}
		}

		return used, true
	}

	return 0, false
}

// WSWeightTracker tracks outgoing websocket messages and connection attempts.
// Each subscription frame and handshake consumes weight on the exchange side.
type WSWeightTracker struct {
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
}

// NewWSWeightTracker creates a new tracker.
func NewWSWeightTracker() *WSWeightTracker {
	return &WSWeightTracker{window: time.Now()}
}

// RegisterOutgoing records n outgoing client messages (subs/pings).
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

// RegisterConnectionAttempt records a websocket handshake attempt.
func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns the message count within the current one second window and
// the total connection attempts.
func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs = t.msgs
	attempts = t.attempts
	return
}

// ReportWSWeight emits websocket related weight metrics.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker) {
	msgs, attempts := t.Stats()
	l := log.WithComponent("binance_stream")
	fields := logger.Fields{"exchange": "binance"}
	l.LogMetric("binance_stream", "outgoing_messages", int64(msgs), "gauge", fields)
	l.LogMetric("binance_stream", "connection_attempts", int64(attempts), "counter", fields)
}
