package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lnsuite/nwcd/internal/metrics"
	"github.com/lnsuite/nwcd/internal/nwc"
)

// Router owns a session's single client-level notification subscription
// and fans incoming notifications out to registered listeners. Listeners
// come and go; the underlying client subscription is opened once per
// connection and torn down once, no matter how many listeners detach.
type Router struct {
	sessionID string
	logger    *slog.Logger

	mu        sync.Mutex
	listeners map[int]*listener
	nextID    int
	unsub     func()
	closed    bool

	stopOnce sync.Once
}

type listener struct {
	types   map[string]bool // empty = all types
	handler func(Event)
}

func newRouter(sessionID string, logger *slog.Logger) *Router {
	return &Router{
		sessionID: sessionID,
		logger:    logger,
		listeners: make(map[int]*listener),
	}
}

// start opens the client-level subscription. Called once, right after
// the client is installed for this session's generation.
func (r *Router) start(client nwc.Client) error {
	unsub, err := client.SubscribeNotifications(r.dispatch)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Stopped before the subscription landed.
		unsub()
		return nil
	}
	r.unsub = unsub
	return nil
}

// dispatch normalizes a wire notification and fans it out. Listener
// snapshots are taken under the lock; handlers run without it so they
// can add or remove listeners.
func (r *Router) dispatch(note nwc.Notification) {
	event := Event{
		SessionID:   r.sessionID,
		Type:        note.Type,
		Transaction: normalizeTransaction(note.Transaction),
		ReceivedAt:  time.Now(),
	}
	metrics.NotificationsTotal.WithLabelValues(event.Type).Inc()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	handlers := make([]func(Event), 0, len(r.listeners))
	for _, l := range r.listeners {
		if len(l.types) > 0 && !l.types[event.Type] {
			continue
		}
		handlers = append(handlers, l.handler)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// addListener registers a handler, optionally filtered to the given
// notification types. The returned cancel function detaches the
// listener; calling it more than once is a no-op.
func (r *Router) addListener(handler func(Event), types ...string) func() {
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = &listener{types: filter, handler: handler}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// stop tears down the subscription and drops all listeners. Safe to
// call multiple times.
func (r *Router) stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		unsub := r.unsub
		r.unsub = nil
		r.listeners = make(map[int]*listener)
		r.mu.Unlock()

		if unsub != nil {
			unsub()
		}
	})
}

// normalizeTransaction converts a wire transaction to the domain form:
// epoch seconds become time.Time (zero when absent) and an unsettled
// transaction keeps an empty preimage.
func normalizeTransaction(tx nwc.Transaction) Transaction {
	return Transaction{
		Type:         tx.Type,
		State:        tx.State,
		Invoice:      tx.Invoice,
		Description:  tx.Description,
		PaymentHash:  tx.PaymentHash,
		Preimage:     tx.Preimage,
		AmountMsat:   tx.AmountMsat,
		FeesPaidMsat: tx.FeesPaidMsat,
		CreatedAt:    epochToTime(tx.CreatedAt),
		SettledAt:    epochToTime(tx.SettledAt),
		ExpiresAt:    epochToTime(tx.ExpiresAt),
		Metadata:     tx.Metadata,
	}
}

func epochToTime(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
