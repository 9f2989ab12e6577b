package binance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChannelName builds a stream channel identifier such as btcusdt@markPrice.
func ChannelName(symbol, stream string) string {
	return strings.ToLower(symbol) + "@" + stream
}

// MessageCallback receives every event from one subscribed channel, on top
// of whatever dispatcher handlers accept the event type. It runs on the
// stream read loop and must not block.
type MessageCallback func(ev StreamEvent)

// wsCommand is the request frame for stream management.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// wsAck is the response frame for a command. Result is null on success.
type wsAck struct {
	Result interface{} `json:"result"`
	ID     int64       `json:"id"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	} `json:"error"`
}

// registry tracks the channels that must be live and the callback bound to
// each. It is the source of truth for what to re-establish after a
// reconnect.
type registry struct {
	mu       sync.Mutex
	channels map[string]MessageCallback
}

func newRegistry() *registry {
	return &registry{channels: make(map[string]MessageCallback)}
}

// add records channels under cb and returns the ones that were not present
// yet. Re-adding an existing channel replaces its callback.
func (r *registry) add(cb MessageCallback, channels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := make([]string, 0, len(channels))
	for _, ch := range channels {
		_, ok := r.channels[ch]
		r.channels[ch] = cb
		if !ok {
			added = append(added, ch)
		}
	}
	return added
}

// remove drops channels and returns the ones that were actually present.
func (r *registry) remove(channels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := r.channels[ch]; !ok {
			continue
		}
		delete(r.channels, ch)
		removed = append(removed, ch)
	}
	return removed
}

// callbackFor returns the callback bound to a channel, or nil.
func (r *registry) callbackFor(ch string) MessageCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[ch]
}

// snapshot returns the current channel set in stable order.
func (r *registry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// drain empties the registry and returns what it held, callbacks included.
func (r *registry) drain() map[string]MessageCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.channels
	r.channels = make(map[string]MessageCallback)
	return out
}

// merge puts entries back, keeping any callback registered in the meantime,
// and returns the channels that were not present, in stable order.
func (r *registry) merge(entries map[string]MessageCallback) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(entries))
	for ch, cb := range entries {
		if _, ok := r.channels[ch]; ok {
			continue
		}
		r.channels[ch] = cb
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func validateChannel(ch string) error {
	if ch == "" || !strings.Contains(ch, "@") {
		return fmt.Errorf("channel '%s' is invalid", ch)
	}
	return nil
}
