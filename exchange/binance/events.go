package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"fundflow/logger"
	"fundflow/models"
)

// EventType classifies stream payloads. Market data events are keyed by the
// channel that produced them, user data events by the payload event type.
type EventType string

const (
	EventMarkPrice     EventType = "markPrice"
	EventFundingRate   EventType = "fundingRate"
	EventBookTicker    EventType = "bookTicker"
	EventOrderUpdate   EventType = "orderUpdate"
	EventAccountUpdate EventType = "accountUpdate"
	EventUnknown       EventType = "unknown"
)

// StreamEvent is one message from the combined stream endpoint. Data holds
// the raw payload so handlers decode only the events they care about.
type StreamEvent struct {
	Type    EventType
	Channel string
	Symbol  string
	// Time is the exchange event time in milliseconds when the payload
	// carries one.
	Time int64
	Data json.RawMessage
}

// combinedFrame mirrors the envelope of the combined stream endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseStreamEvent classifies a combined stream frame. Frames that are not
// stream data, such as subscription acks, return an error.
func ParseStreamEvent(raw []byte) (*StreamEvent, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed stream frame: %w", err)
	}
	if frame.Stream == "" {
		return nil, fmt.Errorf("frame carries no stream name")
	}

	ev := &StreamEvent{
		Channel: frame.Stream,
		Data:    frame.Data,
		Type:    EventUnknown,
	}

	// The header declares both "e" (event type) and "E" (event time) so the
	// lowercase key cannot fold onto the int64 field and fail the decode.
	var header struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(frame.Data, &header); err == nil {
		ev.Time = header.EventTime
	}

	if i := strings.Index(frame.Stream, "@"); i > 0 {
		ev.Symbol = strings.ToUpper(frame.Stream[:i])
		switch frame.Stream[i+1:] {
		case "markPrice", "markPrice@1s":
			ev.Type = EventMarkPrice
		case "fundingRate":
			ev.Type = EventFundingRate
		case "bookTicker":
			ev.Type = EventBookTicker
		}
	}

	// User data frames arrive on the listen key channel, which carries no
	// symbol suffix. Classify those by the payload event type.
	if ev.Type == EventUnknown {
		switch header.EventType {
		case "ORDER_TRADE_UPDATE":
			ev.Type = EventOrderUpdate
			var wrap struct {
				Order struct {
					Symbol string `json:"s"`
				} `json:"o"`
			}
			if err := json.Unmarshal(frame.Data, &wrap); err == nil {
				ev.Symbol = wrap.Order.Symbol
			}
		case "ACCOUNT_UPDATE":
			ev.Type = EventAccountUpdate
		}
	}

	return ev, nil
}

// EventHandler consumes classified stream events.
type EventHandler interface {
	CanHandle(t EventType) bool
	HandleEvent(ev StreamEvent) error
}

// Dispatcher fans stream events out to registered handlers. Registration and
// removal are safe to call while dispatch is running.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
	log      *logger.Log
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Log) *Dispatcher {
	return &Dispatcher{log: log}
}

// Register adds a handler. Handlers run on the stream read loop, so they
// must not block.
func (d *Dispatcher) Register(h EventHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Unregister removes a previously registered handler.
func (d *Dispatcher) Unregister(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg == h {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Dispatch delivers ev to every handler that accepts its type and reports
// whether any handler took it. A handler error or panic is logged and does
// not stop delivery to the remaining handlers.
func (d *Dispatcher) Dispatch(ev StreamEvent) bool {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	delivered := false
	for _, h := range handlers {
		if !h.CanHandle(ev.Type) {
			continue
		}
		delivered = true
		if err := d.deliver(h, ev); err != nil {
			d.log.WithComponent("binance_stream").WithFields(logger.Fields{
				"channel": ev.Channel,
				"type":    ev.Type,
			}).WithError(err).Warn("event handler failed")
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(h EventHandler, ev StreamEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleEvent(ev)
}

// MarketDataHandler decodes market data events into typed callbacks. Nil
// callbacks are skipped.
type MarketDataHandler struct {
	OnMarkPrice   func(models.MarkPriceUpdate)
	OnFundingRate func(models.MarkPriceUpdate)
	OnBookTicker  func(models.BookTicker)
}

// CanHandle reports whether a callback is registered for the event type.
func (h *MarketDataHandler) CanHandle(t EventType) bool {
	switch t {
	case EventMarkPrice:
		return h.OnMarkPrice != nil
	case EventFundingRate:
		return h.OnFundingRate != nil
	case EventBookTicker:
		return h.OnBookTicker != nil
	default:
		return false
	}
}

// HandleEvent decodes the payload and invokes the matching callback.
func (h *MarketDataHandler) HandleEvent(ev StreamEvent) error {
	switch ev.Type {
	case EventMarkPrice, EventFundingRate:
		var update models.MarkPriceUpdate
		if err := json.Unmarshal(ev.Data, &update); err != nil {
			return fmt.Errorf("failed to decode mark price update: %w", err)
		}
		if ev.Type == EventMarkPrice {
			h.OnMarkPrice(update)
		} else {
			h.OnFundingRate(update)
		}
	case EventBookTicker:
		var ticker models.BookTicker
		if err := json.Unmarshal(ev.Data, &ticker); err != nil {
			return fmt.Errorf("failed to decode book ticker: %w", err)
		}
		h.OnBookTicker(ticker)
	}
	return nil
}
