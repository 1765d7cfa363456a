package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnsuite/nwcd/internal/lncrypto"
	"github.com/lnsuite/nwcd/internal/nwc"
	"github.com/lnsuite/nwcd/internal/session"
)

// fakeWallet is a minimal protocol client for coordinator tests.
type fakeWallet struct {
	mu          sync.Mutex
	holdErr     error
	settleErr   error
	cancelErr   error
	settledWith string
	cancelled   []string
}

var _ nwc.Client = (*fakeWallet)(nil)

func (f *fakeWallet) GetInfo(ctx context.Context) (*nwc.Info, error) { return &nwc.Info{}, nil }
func (f *fakeWallet) GetBalance(ctx context.Context) (int64, error)  { return 0, nil }
func (f *fakeWallet) MakeInvoice(ctx context.Context, p nwc.InvoiceParams) (*nwc.Transaction, error) {
	return &nwc.Transaction{}, nil
}

func (f *fakeWallet) MakeHoldInvoice(ctx context.Context, p nwc.HoldInvoiceParams) (*nwc.HoldInvoiceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return nil, f.holdErr
	}
	return &nwc.HoldInvoiceResult{Invoice: "lnbcrt200n1qqhold"}, nil
}

func (f *fakeWallet) PayInvoice(ctx context.Context, p nwc.PayParams) (*nwc.PayResult, error) {
	return &nwc.PayResult{}, nil
}

func (f *fakeWallet) SettleHoldInvoice(ctx context.Context, preimage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	f.settledWith = preimage
	return nil
}

func (f *fakeWallet) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, paymentHash)
	return nil
}

func (f *fakeWallet) ListTransactions(ctx context.Context, p nwc.ListParams) ([]nwc.Transaction, error) {
	return nil, nil
}

func (f *fakeWallet) SubscribeNotifications(h nwc.NotificationHandler, types ...string) (func(), error) {
	return func() {}, nil
}
func (f *fakeWallet) Close() error { return nil }

// fakeSessions hands out the fake wallet and records listeners so tests
// can push hold-accepted events.
type fakeSessions struct {
	mu        sync.Mutex
	client    nwc.Client
	clientErr error
	listeners []func(session.Event)
}

func (f *fakeSessions) Client(sessionID string) (nwc.Client, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	return f.client, nil
}

func (f *fakeSessions) Listen(sessionID string, handler func(session.Event), types ...string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, handler)
	return func() {}, nil
}

func (f *fakeSessions) pushAccepted(paymentHash string) {
	f.mu.Lock()
	handlers := append(([]func(session.Event))(nil), f.listeners...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(session.Event{
			Type:        nwc.NotificationHoldInvoiceAccepted,
			Transaction: session.Transaction{PaymentHash: paymentHash},
			ReceivedAt:  time.Now(),
		})
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeWallet, *fakeSessions) {
	t.Helper()
	w := &fakeWallet{}
	s := &fakeSessions{client: w}
	c := NewCoordinator(NewMemoryStore(), s, slog.Default())
	t.Cleanup(c.Close)
	return c, w, s
}

func TestCoordinator_Create(t *testing.T) {
	c, _, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 20_000, "design work")
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, e.Status)
	assert.Equal(t, "alice", e.SessionID)
	assert.Len(t, e.PaymentHash, 64)
	assert.NotEmpty(t, e.Invoice)
	assert.Equal(t, int64(20_000), e.AmountMsat)
	// The stored preimage must hash to the payment hash
	assert.True(t, lncrypto.VerifyPreimage(e.Preimage, e.PaymentHash))
	// An accept watcher was armed
	assert.Len(t, s.listeners, 1)
}

func TestCoordinator_Create_Validation(t *testing.T) {
	c, w, s := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Create(ctx, "alice", 0, "")
	assert.ErrorIs(t, err, session.ErrValidation)

	s.clientErr = session.ErrNotConnected
	_, err = c.Create(ctx, "alice", 1000, "")
	assert.ErrorIs(t, err, session.ErrNotConnected)
	s.clientErr = nil

	w.holdErr = errors.New("wallet said no")
	_, err = c.Create(ctx, "alice", 1000, "")
	assert.ErrorIs(t, err, session.ErrOperationFailed)
}

func TestCoordinator_AcceptViaNotification(t *testing.T) {
	c, _, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 5_000, "")
	require.NoError(t, err)

	// Unrelated hash: no transition
	s.pushAccepted("0000000000000000000000000000000000000000000000000000000000000000")
	got, err := c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)

	// Matching hash flips created → accepted
	s.pushAccepted(e.PaymentHash)
	got, err = c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.False(t, got.AcceptedAt.IsZero())
}

func TestCoordinator_SettleRequiresAccepted(t *testing.T) {
	c, w, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 5_000, "")
	require.NoError(t, err)

	// Nothing is held yet
	_, err = c.Settle(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s.pushAccepted(e.PaymentHash)

	settled, err := c.Settle(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.False(t, settled.SettledAt.IsZero())
	// The wallet got the preimage, not the hash
	assert.Equal(t, e.Preimage, w.settledWith)

	// Settling again is invalid
	_, err = c.Settle(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCoordinator_CancelRequiresAccepted(t *testing.T) {
	c, w, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 5_000, "")
	require.NoError(t, err)

	// Nobody has paid yet: nothing to return
	_, err = c.Cancel(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, err := c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)

	s.pushAccepted(e.PaymentHash)

	cancelled, err := c.Cancel(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Status.Terminal())
	assert.Contains(t, w.cancelled, e.PaymentHash)

	// A resolved escrow cannot be reopened
	_, err = c.Cancel(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = c.Settle(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCoordinator_LateAcceptAfterResolution(t *testing.T) {
	c, _, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 5_000, "")
	require.NoError(t, err)
	s.pushAccepted(e.PaymentHash)
	_, err = c.Cancel(ctx, e.ID)
	require.NoError(t, err)

	// A duplicate accept push arriving after resolution must not revive
	// the escrow
	s.pushAccepted(e.PaymentHash)

	got, err := c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCoordinator_SettleWalletFailure(t *testing.T) {
	c, w, s := newTestCoordinator(t)
	ctx := context.Background()

	e, err := c.Create(ctx, "alice", 5_000, "")
	require.NoError(t, err)
	s.pushAccepted(e.PaymentHash)

	w.settleErr = errors.New("wallet unreachable")
	_, err = c.Settle(ctx, e.ID)
	assert.ErrorIs(t, err, session.ErrOperationFailed)

	// Still accepted; the operation can be retried
	got, err := c.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
}

func TestCoordinator_GetUnknown(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Get(context.Background(), "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestCoordinator_ListBySession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := c.Create(ctx, "alice", int64(1000*(i+1)), "")
		require.NoError(t, err)
		ids = append(ids, e.ID)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt for ordering
	}
	_, err := c.Create(ctx, "bob", 1000, "")
	require.NoError(t, err)

	// First page, newest first
	page, next, err := c.ListBySession(ctx, "alice", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)
	assert.NotEmpty(t, next)

	// Second page continues after the cursor
	page, next2, err := c.ListBySession(ctx, "alice", 2, next)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	assert.NotEmpty(t, next2)

	// Last page has no cursor
	page, next3, err := c.ListBySession(ctx, "alice", 2, next2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Empty(t, next3)

	// Bad cursor
	_, _, err = c.ListBySession(ctx, "alice", 2, "%%%not-a-cursor")
	assert.ErrorIs(t, err, session.ErrValidation)
}

func TestMemoryStore_DuplicateHash(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{ID: "esc_1", SessionID: "alice", PaymentHash: "aa", Status: StatusCreated}
	require.NoError(t, store.Create(ctx, e))
	assert.ErrorIs(t, store.Create(ctx, &Escrow{ID: "esc_2", PaymentHash: "aa"}), ErrEscrowExists)

	byHash, err := store.GetByPaymentHash(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, "esc_1", byHash.ID)

	_, err = store.GetByPaymentHash(ctx, "bb")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}
