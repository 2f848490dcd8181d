package admin

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/errhandler"
	"github.com/MrWong99/equipguard/internal/observe"
	"github.com/MrWong99/equipguard/internal/resilience"
)

const (
	// DefaultSubscriberBuffer is the number of events queued per subscriber
	// before new events are dropped for it.
	DefaultSubscriberBuffer = 64

	writeTimeout = 5 * time.Second
)

// EventKind discriminates [Event] payloads.
type EventKind string

const (
	EventBreakerState EventKind = "breaker_state"
	EventEscalation   EventKind = "escalation"
	EventNotification EventKind = "notification"
)

// BreakerTransition is the payload of an [EventBreakerState] event.
type BreakerTransition struct {
	Name         string           `json:"name"`
	From         resilience.State `json:"from"`
	To           resilience.State `json:"to"`
	FailureCount int              `json:"failure_count"`
	SuccessCount int              `json:"success_count"`
}

// Event is one message on the event stream. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind         EventKind                `json:"kind"`
	Time         time.Time                `json:"time"`
	Breaker      *BreakerTransition       `json:"breaker,omitempty"`
	Alert        *alert.Alert             `json:"alert,omitempty"`
	Notification *errhandler.Notification `json:"notification,omitempty"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubMetrics tracks connected subscribers on m.
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub fans events out to websocket subscribers. Publishing never blocks: a
// subscriber whose queue is full misses the event.
//
// Hub is an [errhandler.Notifier], an [alert.Sink] and, through
// [Hub.BreakerStateChanged], a breaker state-change hook.
type Hub struct {
	buffer  int
	metrics *observe.Metrics
	now     func() time.Time

	mu   sync.Mutex
	subs map[chan Event]struct{}

	dropped atomic.Int64
}

// NewHub creates an empty [Hub].
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer: DefaultSubscriberBuffer,
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventSubscribers.Add(context.Background(), 1)
	}

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.EventSubscribers.Add(context.Background(), -1)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of events not delivered to a full subscriber.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Publish delivers ev to every subscriber with room in its queue.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// BreakerStateChanged publishes a breaker transition. It has the signature of
// a manager state-change hook.
func (h *Hub) BreakerStateChanged(from, to resilience.State, ev resilience.Event) {
	h.Publish(Event{
		Kind: EventBreakerState,
		Time: ev.Time,
		Breaker: &BreakerTransition{
			Name:         ev.Name,
			From:         from,
			To:           to,
			FailureCount: ev.FailureCount,
			SuccessCount: ev.SuccessCount,
		},
	})
}

// Notify publishes a user notification.
func (h *Hub) Notify(_ context.Context, n errhandler.Notification) {
	h.Publish(Event{Kind: EventNotification, Time: n.Time, Notification: &n})
}

// Send publishes an escalation. It never fails.
func (h *Hub) Send(_ context.Context, a alert.Alert) error {
	h.Publish(Event{Kind: EventEscalation, Time: a.CreatedAt, Alert: &a})
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text messages until the client disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("admin: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.Subscribe()
	defer cancel()

	// The stream is one-way; CloseRead discards client messages and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				slog.Debug("admin: event stream write failed", "error", err)
				return
			}
		}
	}
}
