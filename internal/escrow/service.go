package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lnsuite/nwcd/internal/idgen"
	"github.com/lnsuite/nwcd/internal/lncrypto"
	"github.com/lnsuite/nwcd/internal/metrics"
	"github.com/lnsuite/nwcd/internal/nwc"
	"github.com/lnsuite/nwcd/internal/pagination"
	"github.com/lnsuite/nwcd/internal/session"
	"github.com/lnsuite/nwcd/internal/syncutil"
	"github.com/lnsuite/nwcd/internal/traces"
)

// SessionClients is what the coordinator needs from the session layer:
// borrowed protocol clients and internal notification listeners.
type SessionClients interface {
	Client(sessionID string) (nwc.Client, error)
	Listen(sessionID string, handler func(session.Event), types ...string) (func(), error)
}

// Coordinator drives escrow state. Wallet calls go through the owning
// session's client; the created→accepted transition is driven by the
// wallet's hold-accepted push, never by the API.
type Coordinator struct {
	store    Store
	sessions SessionClients
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]func() // escrow ID → accept-listener cancel

	// Per-escrow transition locks: an accept notification racing a
	// settle or cancel serializes here.
	locks *syncutil.ContextShardedMutex
}

// NewCoordinator creates an escrow coordinator.
func NewCoordinator(store Store, sessions SessionClients, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		sessions: sessions,
		logger:   logger,
		watchers: make(map[string]func()),
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// Create opens an escrow on the session: generates a preimage, asks the
// wallet for a hold invoice keyed by its hash, and starts watching for
// the hold-accepted push.
func (c *Coordinator) Create(ctx context.Context, sessionID string, amountMsat int64, description string) (*Escrow, error) {
	if amountMsat <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", session.ErrValidation)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.SessionID(sessionID), traces.AmountMsat(amountMsat))
	defer span.End()

	client, err := c.sessions.Client(sessionID)
	if err != nil {
		return nil, err
	}

	preimage, paymentHash, err := lncrypto.NewPreimage()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.PaymentHash(paymentHash))

	res, err := client.MakeHoldInvoice(ctx, nwc.HoldInvoiceParams{
		AmountMsat:  amountMsat,
		Description: description,
		PaymentHash: paymentHash,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: make hold invoice: %v", session.ErrOperationFailed, err)
	}

	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		SessionID:   sessionID,
		Status:      StatusCreated,
		PaymentHash: paymentHash,
		Preimage:    preimage,
		Invoice:     res.Invoice,
		AmountMsat:  amountMsat,
		Description: description,
	}
	if err := c.store.Create(ctx, e); err != nil {
		return nil, err
	}

	c.watchAccept(e.ID, e.SessionID, paymentHash)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated)).Inc()

	c.logger.Info("escrow created",
		"escrow", e.ID,
		"session", sessionID,
		"amountMsat", amountMsat,
	)
	cp := *e
	return &cp, nil
}

// Get returns an escrow by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Escrow, error) {
	return c.store.Get(ctx, id)
}

// ListBySession returns a page of the session's escrows, newest first,
// plus an opaque cursor for the next page when more remain.
func (c *Coordinator) ListBySession(ctx context.Context, sessionID string, limit int, cursor string) ([]*Escrow, string, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", session.ErrValidation, err)
	}

	escrows, err := c.store.ListBySession(ctx, sessionID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// Settle releases the held funds to the recipient by revealing the
// preimage. Only an accepted escrow can settle: before the hold, there
// is nothing to release.
func (c *Coordinator) Settle(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(id))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: cannot settle from %q", ErrInvalidTransition, e.Status)
	}

	client, err := c.sessions.Client(e.SessionID)
	if err != nil {
		return nil, err
	}
	if err := client.SettleHoldInvoice(ctx, e.Preimage); err != nil {
		return nil, fmt.Errorf("%w: settle hold invoice: %v", session.ErrOperationFailed, err)
	}

	e.Status = StatusSettled
	e.SettledAt = time.Now()
	if err := c.store.Update(ctx, e); err != nil {
		return nil, err
	}
	c.dropWatcher(id)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusSettled)).Inc()
	metrics.EscrowDuration.Observe(e.SettledAt.Sub(e.CreatedAt).Seconds())

	c.logger.Info("escrow settled", "escrow", id, "session", e.SessionID)
	return e, nil
}

// Cancel returns the held funds to the payer. Like Settle it requires
// accepted: before the hold there is nothing to release, and a resolved
// escrow cannot be reopened.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.cancel", traces.EscrowID(id))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: cannot cancel from %q", ErrInvalidTransition, e.Status)
	}

	client, err := c.sessions.Client(e.SessionID)
	if err != nil {
		return nil, err
	}
	if err := client.CancelHoldInvoice(ctx, e.PaymentHash); err != nil {
		return nil, fmt.Errorf("%w: cancel hold invoice: %v", session.ErrOperationFailed, err)
	}

	e.Status = StatusCancelled
	e.CancelledAt = time.Now()
	if err := c.store.Update(ctx, e); err != nil {
		return nil, err
	}
	c.dropWatcher(id)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.EscrowDuration.Observe(e.CancelledAt.Sub(e.CreatedAt).Seconds())

	c.logger.Info("escrow cancelled", "escrow", id, "session", e.SessionID)
	return e, nil
}

// Close detaches all accept watchers. Used at shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	watchers := c.watchers
	c.watchers = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range watchers {
		cancel()
	}
}

// watchAccept listens for the wallet's hold-accepted push matching the
// escrow's payment hash and flips created→accepted. The listener dies
// with the session's connection and is not re-armed on reconnect.
func (c *Coordinator) watchAccept(escrowID, sessionID, paymentHash string) {
	cancel, err := c.sessions.Listen(sessionID, func(ev session.Event) {
		if ev.Transaction.PaymentHash != paymentHash {
			return
		}
		if err := c.markAccepted(context.Background(), escrowID); err != nil {
			c.logger.Error("failed to mark escrow accepted", "escrow", escrowID, "error", err)
			return
		}
		c.dropWatcher(escrowID)
	}, nwc.NotificationHoldInvoiceAccepted)
	if err != nil {
		c.logger.Error("failed to watch for hold accept", "escrow", escrowID, "error", err)
		return
	}

	c.mu.Lock()
	c.watchers[escrowID] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) markAccepted(ctx context.Context, id string) error {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusCreated {
		// Already accepted, or resolved while the push was in flight.
		return nil
	}
	e.Status = StatusAccepted
	e.AcceptedAt = time.Now()
	if err := c.store.Update(ctx, e); err != nil {
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	c.logger.Info("escrow accepted", "escrow", id, "session", e.SessionID)
	return nil
}

func (c *Coordinator) dropWatcher(id string) {
	c.mu.Lock()
	cancel := c.watchers[id]
	delete(c.watchers, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
