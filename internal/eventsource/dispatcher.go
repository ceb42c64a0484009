package eventsource

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"localcloud/internal/pattern"
	"localcloud/pkg/logging"
)

// Event is what a push-based producer hands to its dispatcher: an event
// type, the object key when the producer is a bucket, and the full payload
// the matching handlers receive.
type Event struct {
	Type    string
	Key     string
	Payload json.RawMessage
}

// Selector filters events for one registered handler. Zero-value fields do
// not constrain; all set fields must match.
type Selector struct {
	// Prefix and Suffix match the object key of bucket events.
	Prefix string
	Suffix string
	// EventType matches the event type, with a trailing "*" wildcard
	// ("ObjectCreated:*" matches "ObjectCreated:Put").
	EventType string
	// Pattern is an event-bus rule pattern matched against the payload.
	Pattern map[string]interface{}
}

// Matches reports whether ev passes every constraint the selector sets.
func (s Selector) Matches(ev Event) bool {
	if s.Prefix != "" && !strings.HasPrefix(ev.Key, s.Prefix) {
		return false
	}
	if s.Suffix != "" && !strings.HasSuffix(ev.Key, s.Suffix) {
		return false
	}
	if s.EventType != "" {
		if want, wild := strings.CutSuffix(s.EventType, "*"); wild {
			if !strings.HasPrefix(ev.Type, want) {
				return false
			}
		} else if ev.Type != s.EventType {
			return false
		}
	}
	if s.Pattern != nil {
		var doc map[string]interface{}
		if err := json.Unmarshal(ev.Payload, &doc); err != nil {
			return false
		}
		if !pattern.Match(s.Pattern, doc) {
			return false
		}
	}
	return true
}

// Handler consumes one matching event. Returned errors are logged by the
// dispatcher and never reach the producer.
type Handler func(ctx context.Context, ev Event) error

type registration struct {
	name     string
	selector Selector
	handler  Handler
}

// Dispatcher fans producer events out to registered handlers. Each
// matching handler runs as its own goroutine, in parallel with the
// producer and with each other.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
	inflight sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a handler under a selector. name identifies the handler in
// logs only.
func (d *Dispatcher) Register(name string, sel Selector, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, registration{name: name, selector: sel, handler: h})
}

// Dispatch schedules every matching handler and returns without waiting
// for them.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.RLock()
	matched := make([]registration, 0, len(d.handlers))
	for _, reg := range d.handlers {
		if reg.selector.Matches(ev) {
			matched = append(matched, reg)
		}
	}
	d.mu.RUnlock()

	for _, reg := range matched {
		reg := reg
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			if err := reg.handler(ctx, ev); err != nil {
				logging.Error(pollerSubsystem, err, "handler %s failed for event %s", reg.name, ev.Type)
			}
		}()
	}
}

// Drain blocks until every scheduled handler has returned. Providers call
// it from stop so handlers finish before their targets go away.
func (d *Dispatcher) Drain() {
	d.inflight.Wait()
}
