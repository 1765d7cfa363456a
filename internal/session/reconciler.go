package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reconciler periodically refreshes a session's cached balance while
// its connection lives. Push notifications keep the balance fresh
// between polls; the poll catches anything the push path missed.
//
// The refresh callback is generation-checked by the manager, so a poll
// that completes after a reconnect is discarded there.
type reconciler struct {
	sessionID string
	interval  time.Duration
	refresh   func(ctx context.Context) error
	logger    *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newReconciler(sessionID string, interval time.Duration, refresh func(ctx context.Context) error, logger *slog.Logger) *reconciler {
	return &reconciler{
		sessionID: sessionID,
		interval:  interval,
		refresh:   refresh,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins polling until Stop is called or the context ends.
func (r *reconciler) Start(ctx context.Context) {
	go r.pollLoop(ctx)
}

// Stop halts the poll loop and waits for it to exit. Safe to call
// multiple times.
func (r *reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *reconciler) pollLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Error("balance poll failed", "session", r.sessionID, "error", err)
			}
		}
	}
}
