package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lnsuite/nwcd/internal/circuitbreaker"
	"github.com/lnsuite/nwcd/internal/lncrypto"
	"github.com/lnsuite/nwcd/internal/metrics"
	"github.com/lnsuite/nwcd/internal/nwc"
	"github.com/lnsuite/nwcd/internal/syncutil"
	"github.com/lnsuite/nwcd/internal/traces"
)

// Manager owns the runtime side of every session: the live protocol
// client, its notification router, and its balance poll loop. Exactly
// one client exists per session at a time; Connect and Disconnect
// sequence ownership through a per-session generation counter.
type Manager struct {
	store  Store
	dial   nwc.DialFunc
	logger *slog.Logger

	pollInterval   time.Duration
	dialTimeout    time.Duration
	minInvoiceMsat int64

	eventSinks   []func(Event)
	balanceSinks []func(sessionID string, balanceMsat int64)

	mu    sync.Mutex
	gens  map[string]uint64
	conns map[string]*conn

	// Per-session store-update locks so a stale writer cannot interleave
	// with a current one between the generation check and the write.
	updateLocks syncutil.ShardedMutex

	// breaker skips balance polls against a wallet that keeps failing.
	breaker *circuitbreaker.Breaker
}

// conn is the runtime state of one established connection. Its
// teardown runs exactly once regardless of how many paths reach it.
type conn struct {
	generation uint64
	client     nwc.Client
	router     *Router
	rec        *reconciler
	cancel     context.CancelFunc

	closeOnce sync.Once

	subMu       sync.Mutex
	primaryStop func() // the session's one external subscription
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.subMu.Lock()
		if c.primaryStop != nil {
			c.primaryStop = nil
			metrics.ActiveSubscriptions.Dec()
		}
		c.subMu.Unlock()

		c.router.stop()
		c.rec.Stop()
		c.cancel()
		_ = c.client.Close()
	})
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the balance poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithDialTimeout bounds how long a connect attempt may take.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// WithMinInvoiceMsat sets the smallest invoice amount accepted.
func WithMinInvoiceMsat(msat int64) Option {
	return func(m *Manager) { m.minInvoiceMsat = msat }
}

// WithEventSink registers a callback receiving every event forwarded by
// a session's external subscription.
func WithEventSink(fn func(Event)) Option {
	return func(m *Manager) { m.eventSinks = append(m.eventSinks, fn) }
}

// WithBalanceSink registers a callback receiving balance updates.
func WithBalanceSink(fn func(sessionID string, balanceMsat int64)) Option {
	return func(m *Manager) { m.balanceSinks = append(m.balanceSinks, fn) }
}

// NewManager creates a session manager.
func NewManager(store Store, dial nwc.DialFunc, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		dial:           dial,
		logger:         logger,
		pollInterval:   30 * time.Second,
		dialTimeout:    15 * time.Second,
		minInvoiceMsat: 1000,
		gens:           make(map[string]uint64),
		conns:          make(map[string]*conn),
		breaker:        circuitbreaker.New(3, 30*time.Second),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession returns the session, creating a disconnected record if
// none exists.
func (m *Manager) EnsureSession(ctx context.Context, id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	s, err := m.store.Get(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	s = &Session{ID: id, Status: StatusDisconnected}
	if err := m.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return m.store.Get(ctx, id)
		}
		return nil, err
	}
	return s, nil
}

// Get returns the stored session state.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// List returns all sessions.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.List(ctx)
}

// Connect establishes a wallet connection for the session, replacing
// any existing or in-flight connection. The superseded client is closed
// exactly once; results belonging to older generations never reach the
// stored session.
func (m *Manager) Connect(ctx context.Context, id, uri string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	if _, err := nwc.ParseConnectURI(uri); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := m.EnsureSession(ctx, id); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "session.connect", traces.SessionID(id))
	defer span.End()

	// Claim a new generation. Everything still running under the old one
	// becomes stale the moment this increments.
	m.mu.Lock()
	m.gens[id]++
	gen := m.gens[id]
	old := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	if _, err := m.updateIfCurrent(ctx, id, gen, func(s *Session) {
		s.Status = StatusConnecting
		s.ConnectionURI = uri
		s.ErrorMessage = ""
	}); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	client, err := m.dial(dialCtx, uri)
	cancel()
	if err != nil {
		return nil, m.failConnect(ctx, id, gen, err)
	}

	// The handshake is part of the connect attempt: a wallet that cannot
	// report info and balance is not connected.
	info, err := client.GetInfo(ctx)
	if err != nil {
		_ = client.Close()
		return nil, m.failConnect(ctx, id, gen, fmt.Errorf("get_info: %w", err))
	}
	balance, err := client.GetBalance(ctx)
	if err != nil {
		_ = client.Close()
		return nil, m.failConnect(ctx, id, gen, fmt.Errorf("get_balance: %w", err))
	}

	c := &conn{generation: gen, client: client}
	c.router = newRouter(id, m.logger)
	bg, bgCancel := context.WithCancel(context.Background())
	c.cancel = bgCancel

	if err := c.router.start(client); err != nil {
		bgCancel()
		_ = client.Close()
		return nil, m.failConnect(ctx, id, gen, fmt.Errorf("subscribe notifications: %w", err))
	}

	// Internal listener: settlements move money, so they trigger an
	// immediate balance refresh instead of waiting for the next poll.
	c.router.addListener(func(Event) {
		go func() {
			if err := m.refreshIfCurrent(bg, id, gen); err != nil {
				m.logger.Error("post-settlement refresh failed", "session", id, "error", err)
			}
		}()
	}, nwc.NotificationPaymentReceived, nwc.NotificationPaymentSent)

	c.rec = newReconciler(id, m.pollInterval, func(ctx context.Context) error {
		return m.refreshIfCurrent(ctx, id, gen)
	}, m.logger)
	c.rec.Start(bg)

	m.mu.Lock()
	if m.gens[id] != gen {
		// A newer Connect or Disconnect won the race while we dialed.
		m.mu.Unlock()
		c.close()
		return nil, fmt.Errorf("%w: superseded by a newer connect", ErrConnectionFailed)
	}
	m.conns[id] = c
	m.mu.Unlock()

	now := time.Now()
	if _, err := m.updateIfCurrent(ctx, id, gen, func(s *Session) {
		s.Status = StatusConnected
		s.ConnectedAt = now
		s.Alias = info.Alias
		s.Pubkey = info.Pubkey
		s.Network = info.Network
		s.Address = info.Address
		s.BalanceMsat = balance
		s.BalanceSyncedAt = now
	}); err != nil {
		return nil, err
	}

	metrics.SessionConnectsTotal.WithLabelValues("success").Inc()
	m.syncStatusGauge(ctx)
	m.logger.Info("session connected", "session", id, "generation", gen)
	return m.store.Get(ctx, id)
}

// Disconnect releases the session's connection. Disconnecting an
// already-disconnected session is a no-op.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	m.gens[id]++
	gen := m.gens[id]
	old := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	_, err := m.updateIfCurrent(ctx, id, gen, func(s *Session) {
		s.Status = StatusDisconnected
		clearDerived(s)
		s.ConnectionURI = ""
		s.ErrorMessage = ""
	})
	if err == nil && old != nil {
		m.logger.Info("session disconnected", "session", id)
	}
	m.syncStatusGauge(ctx)
	return err
}

// Close disconnects every session. Used at shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	conns := make(map[string]*conn, len(m.conns))
	for id, c := range m.conns {
		m.gens[id]++
		conns[id] = c
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for id, c := range conns {
		c.close()
		if err := m.setStatus(ctx, id, StatusDisconnected); err != nil {
			m.logger.Error("failed to mark session disconnected", "session", id, "error", err)
		}
	}
}

// RefreshBalance fetches the balance now and applies it if the
// connection is still current.
func (m *Manager) RefreshBalance(ctx context.Context, id string) (*Session, error) {
	_, gen, err := m.liveClient(id)
	if err != nil {
		return nil, err
	}
	if err := m.refreshNow(ctx, id, gen); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// CreateInvoice creates a plain invoice through the session's wallet.
func (m *Manager) CreateInvoice(ctx context.Context, id string, amountMsat int64, description string, expirySecs int64) (*Transaction, error) {
	if amountMsat < m.minInvoiceMsat {
		return nil, fmt.Errorf("%w: amount below minimum of %d msat", ErrValidation, m.minInvoiceMsat)
	}
	client, _, err := m.liveClient(id)
	if err != nil {
		return nil, err
	}

	tx, err := client.MakeInvoice(ctx, nwc.InvoiceParams{
		AmountMsat:  amountMsat,
		Description: description,
		ExpirySecs:  expirySecs,
	})
	if err != nil {
		return nil, m.wrapOpError(err)
	}
	normalized := normalizeTransaction(*tx)
	return &normalized, nil
}

// PayInvoice pays an invoice through the session's wallet. A held
// payment that the recipient cancels comes back as a refund outcome,
// not an error: the money returned to the payer.
func (m *Manager) PayInvoice(ctx context.Context, id, invoice string) (*PaymentOutcome, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return nil, fmt.Errorf("%w: empty invoice", ErrValidation)
	}
	if _, err := lncrypto.ParseInvoiceAmountMsat(invoice); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	client, gen, err := m.liveClient(id)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "session.pay_invoice",
		traces.SessionID(id), traces.Generation(gen))
	defer span.End()

	res, payErr := client.PayInvoice(ctx, nwc.PayParams{Invoice: invoice})

	// Money may have moved either way; sync the cached balance.
	go func() {
		if err := m.refreshIfCurrent(context.Background(), id, gen); err != nil {
			m.logger.Error("post-payment refresh failed", "session", id, "error", err)
		}
	}()

	if payErr != nil {
		if errors.Is(payErr, nwc.ErrClientClosed) {
			return nil, ErrNotConnected
		}
		outcome := &PaymentOutcome{Status: PaymentFailed, ErrorMessage: payErr.Error()}
		if strings.Contains(strings.ToLower(payErr.Error()), "cancel") {
			outcome.Status = PaymentRefunded
		}
		metrics.PaymentsTotal.WithLabelValues(outcome.Status).Inc()
		return outcome, nil
	}
	metrics.PaymentsTotal.WithLabelValues(PaymentSettled).Inc()
	return &PaymentOutcome{
		Status:       PaymentSettled,
		Preimage:     res.Preimage,
		FeesPaidMsat: res.FeesPaidMsat,
	}, nil
}

// ListTransactions returns the session's recent transactions,
// normalized, newest first.
func (m *Manager) ListTransactions(ctx context.Context, id string, limit int, unpaid bool) ([]Transaction, error) {
	client, _, err := m.liveClient(id)
	if err != nil {
		return nil, err
	}

	txs, err := client.ListTransactions(ctx, nwc.ListParams{Limit: limit, Unpaid: unpaid})
	if err != nil {
		return nil, m.wrapOpError(err)
	}
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		out[i] = normalizeTransaction(tx)
	}
	return out, nil
}

// Subscribe opens the session's external notification subscription,
// restricted to the given types when any are provided. A session has at
// most one; subscribing again replaces the previous filter.
func (m *Manager) Subscribe(ctx context.Context, id string, types ...string) error {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	stop := c.router.addListener(m.emit, types...)

	c.subMu.Lock()
	prev := c.primaryStop
	c.primaryStop = stop
	c.subMu.Unlock()

	if prev != nil {
		prev()
	} else {
		metrics.ActiveSubscriptions.Inc()
	}
	return nil
}

// Unsubscribe closes the session's external subscription. Calling it
// with no subscription open is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	c.subMu.Lock()
	stop := c.primaryStop
	c.primaryStop = nil
	c.subMu.Unlock()

	if stop != nil {
		stop()
		metrics.ActiveSubscriptions.Dec()
	}
	return nil
}

// Subscribed reports whether the session's external subscription is open.
func (m *Manager) Subscribed(id string) bool {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil {
		return false
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.primaryStop != nil
}

// Client returns the session's live protocol client. Callers must treat
// it as borrowed: the manager still owns its lifecycle.
func (m *Manager) Client(id string) (nwc.Client, error) {
	client, _, err := m.liveClient(id)
	return client, err
}

// Listen attaches an internal listener to the session's notification
// stream. Unlike Subscribe it does not count as the session's external
// subscription; coordinators use it to watch for specific events.
func (m *Manager) Listen(id string, handler func(Event), types ...string) (func(), error) {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c.router.addListener(handler, types...), nil
}

// liveClient snapshots the session's current client and generation.
func (m *Manager) liveClient(id string) (nwc.Client, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	if c == nil {
		return nil, 0, ErrNotConnected
	}
	return c.client, c.generation, nil
}

// refreshIfCurrent polls the balance and applies it only when the
// generation still matches. Stale polls are discarded silently. The
// circuit breaker may skip the poll entirely; user-initiated refreshes
// go through refreshNow instead and always reach the wallet.
func (m *Manager) refreshIfCurrent(ctx context.Context, id string, gen uint64) error {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil || c.generation != gen {
		metrics.BalanceRefreshesTotal.WithLabelValues("stale").Inc()
		return nil
	}
	if !m.breaker.Allow(id) {
		metrics.BalanceRefreshesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	return m.refreshNow(ctx, id, gen)
}

func (m *Manager) refreshNow(ctx context.Context, id string, gen uint64) error {
	m.mu.Lock()
	c := m.conns[id]
	m.mu.Unlock()
	if c == nil || c.generation != gen {
		metrics.BalanceRefreshesTotal.WithLabelValues("stale").Inc()
		return nil
	}

	balance, err := c.client.GetBalance(ctx)
	if err != nil {
		if errors.Is(err, nwc.ErrClientClosed) {
			metrics.BalanceRefreshesTotal.WithLabelValues("stale").Inc()
			return nil
		}
		m.breaker.RecordFailure(id)
		metrics.BalanceRefreshesTotal.WithLabelValues("error").Inc()
		return m.wrapOpError(err)
	}
	m.breaker.RecordSuccess(id)

	applied, err := m.updateIfCurrent(ctx, id, gen, func(s *Session) {
		s.BalanceMsat = balance
		s.BalanceSyncedAt = time.Now()
	})
	if err != nil {
		return err
	}
	if applied {
		metrics.BalanceRefreshesTotal.WithLabelValues("applied").Inc()
		for _, sink := range m.balanceSinks {
			sink(id, balance)
		}
	} else {
		metrics.BalanceRefreshesTotal.WithLabelValues("stale").Inc()
	}
	return nil
}

// updateIfCurrent mutates the stored session only if gen is still the
// session's current generation. The per-session lock keeps a stale
// writer from landing between the check and the write.
func (m *Manager) updateIfCurrent(ctx context.Context, id string, gen uint64, mutate func(*Session)) (bool, error) {
	unlock := m.updateLocks.Lock(id)
	defer unlock()

	m.mu.Lock()
	current := m.gens[id] == gen
	m.mu.Unlock()
	if !current {
		return false, nil
	}

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	mutate(s)
	if err := m.store.Update(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) setStatus(ctx context.Context, id string, status Status) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Status = status
	if status == StatusDisconnected {
		clearDerived(s)
		s.ConnectionURI = ""
		s.ErrorMessage = ""
	}
	return m.store.Update(ctx, s)
}

// clearDerived wipes everything learned from a wallet connection. The
// record keeps only its identity and status fields afterwards.
func clearDerived(s *Session) {
	s.BalanceMsat = 0
	s.BalanceSyncedAt = time.Time{}
	s.Alias = ""
	s.Pubkey = ""
	s.Network = ""
	s.Address = ""
	s.ConnectedAt = time.Time{}
}

func (m *Manager) emit(ev Event) {
	for _, sink := range m.eventSinks {
		sink(ev)
	}
}

// syncStatusGauge recounts sessions per status. Cheap against the
// in-memory store; failures only cost gauge freshness.
func (m *Manager) syncStatusGauge(ctx context.Context) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return
	}
	counts := map[Status]int{
		StatusDisconnected: 0,
		StatusConnecting:   0,
		StatusConnected:    0,
		StatusError:        0,
	}
	for _, s := range sessions {
		counts[s.Status]++
	}
	for status, n := range counts {
		metrics.SessionsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Manager) wrapOpError(err error) error {
	if errors.Is(err, nwc.ErrClientClosed) {
		return ErrNotConnected
	}
	return fmt.Errorf("%w: %v", ErrOperationFailed, err)
}

func validateSessionID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: session id must be 1-64 characters", ErrValidation)
	}
	for _, r := range id {
		if !(r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: session id contains invalid characters", ErrValidation)
		}
	}
	return nil
}

// failConnect records a failed connect attempt: status=error with the
// failure description, everything wallet-derived cleared. Returns the
// wrapped error for the caller. A no-op on the stored session when a
// newer generation already took over.
func (m *Manager) failConnect(ctx context.Context, id string, gen uint64, cause error) error {
	msg := connectErrorMessage(cause)
	if _, err := m.updateIfCurrent(ctx, id, gen, func(s *Session) {
		s.Status = StatusError
		clearDerived(s)
		s.ErrorMessage = msg
	}); err != nil {
		m.logger.Error("failed to record connect error", "session", id, "error", err)
	}
	metrics.SessionConnectsTotal.WithLabelValues("error").Inc()
	m.syncStatusGauge(ctx)
	return fmt.Errorf("%w: %v", ErrConnectionFailed, cause)
}

// connectErrorMessage maps connect errors to the message stored on the
// session for display. Never empty: a failure with no description gets
// a fixed generic message.
func connectErrorMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "Connection refused"
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline exceeded"):
		return "Connection timed out"
	case strings.TrimSpace(msg) == "":
		return "Connection failed"
	}
	return msg
}
