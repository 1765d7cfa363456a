package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnsuite/nwcd/internal/nwc"
)

func TestRouter_DispatchAndFilter(t *testing.T) {
	r := newRouter("alice", slog.Default())

	var all, onlyReceived []Event
	r.addListener(func(ev Event) { all = append(all, ev) })
	r.addListener(func(ev Event) { onlyReceived = append(onlyReceived, ev) },
		nwc.NotificationPaymentReceived)

	r.dispatch(nwc.Notification{Type: nwc.NotificationPaymentReceived,
		Transaction: nwc.Transaction{AmountMsat: 1}})
	r.dispatch(nwc.Notification{Type: nwc.NotificationPaymentSent,
		Transaction: nwc.Transaction{AmountMsat: 2}})

	assert.Len(t, all, 2)
	require.Len(t, onlyReceived, 1)
	assert.Equal(t, nwc.NotificationPaymentReceived, onlyReceived[0].Type)
	assert.Equal(t, "alice", onlyReceived[0].SessionID)
	assert.False(t, onlyReceived[0].ReceivedAt.IsZero())
}

func TestRouter_CancelListener(t *testing.T) {
	r := newRouter("alice", slog.Default())

	var got []Event
	cancel := r.addListener(func(ev Event) { got = append(got, ev) })

	r.dispatch(nwc.Notification{Type: nwc.NotificationPaymentReceived})
	cancel()
	r.dispatch(nwc.Notification{Type: nwc.NotificationPaymentReceived})

	assert.Len(t, got, 1)

	// Cancelling twice is a no-op
	cancel()
}

func TestRouter_StartAndStop(t *testing.T) {
	r := newRouter("alice", slog.Default())
	c := &fakeClient{}

	require.NoError(t, r.start(c))

	var got []Event
	r.addListener(func(ev Event) { got = append(got, ev) })

	c.notify(nwc.Notification{Type: nwc.NotificationPaymentReceived})
	assert.Len(t, got, 1)

	r.stop()

	// Notifications after stop are dropped
	c.notify(nwc.Notification{Type: nwc.NotificationPaymentReceived})
	assert.Len(t, got, 1)

	// Stop is idempotent
	r.stop()
}

func TestRouter_StopBeforeStart(t *testing.T) {
	r := newRouter("alice", slog.Default())
	r.stop()

	// A subscription landing after stop is torn down immediately.
	c := &fakeClient{}
	require.NoError(t, r.start(c))

	var got []Event
	r.addListener(func(ev Event) { got = append(got, ev) })
	c.notify(nwc.Notification{Type: nwc.NotificationPaymentReceived})
	assert.Empty(t, got)
}

func TestNormalizeTransaction(t *testing.T) {
	tx := normalizeTransaction(nwc.Transaction{
		Type:        "incoming",
		State:       "settled",
		PaymentHash: "aa",
		AmountMsat:  500,
		CreatedAt:   1700000000,
		SettledAt:   1700000100,
	})

	assert.Equal(t, time.Unix(1700000000, 0).UTC(), tx.CreatedAt)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), tx.SettledAt)
	// Absent epoch stays zero time
	assert.True(t, tx.ExpiresAt.IsZero())
}

func TestReconciler_PollsAndStops(t *testing.T) {
	calls := make(chan struct{}, 16)
	rec := newReconciler("alice", 10*time.Millisecond, func(ctx context.Context) error {
		calls <- struct{}{}
		return nil
	}, slog.Default())

	rec.Start(context.Background())

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("reconciler never polled")
	}

	rec.Stop()
	// Stop is idempotent and must not block
	rec.Stop()

	// No further polls after Stop
	drained := len(calls)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(calls), drained+1)
}
