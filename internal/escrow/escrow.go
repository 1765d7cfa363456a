// Package escrow manages hold-invoice escrows.
//
// An escrow is created on the recipient's session: the coordinator
// generates a fresh preimage, keeps it, and asks the wallet for a hold
// invoice keyed by the payment hash. Paying the invoice holds the funds
// in-flight instead of settling; the wallet pushes a hold-accepted
// notification and the escrow moves to accepted. Settling reveals the
// preimage and releases the funds to the recipient; cancelling returns
// them to the payer.
//
// State machine: created -> accepted -> settled | cancelled. Both
// settle and cancel require accepted: before funds are held there is
// nothing to release or return, and terminal states never reopen.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/lnsuite/nwcd/internal/pagination"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrEscrowExists   = errors.New("escrow already exists for payment hash")

	// ErrInvalidTransition means the requested state change is not
	// allowed from the escrow's current status.
	ErrInvalidTransition = errors.New("invalid escrow transition")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusAccepted  Status = "accepted"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Escrow is one hold-invoice escrow. The preimage is the release key
// and never serializes; it leaves the record only when the wallet is
// told to settle.
type Escrow struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	Status      Status `json:"status"`
	PaymentHash string `json:"paymentHash"`
	Preimage    string `json:"-"`
	Invoice     string `json:"invoice"`
	AmountMsat  int64  `json:"amountMsat"`
	Description string `json:"description,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	AcceptedAt  time.Time `json:"acceptedAt,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitempty"`
	CancelledAt time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists escrows. ListBySession returns newest first; a non-nil
// before cursor restricts results to escrows older than that position.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPaymentHash(ctx context.Context, paymentHash string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListBySession(ctx context.Context, sessionID string, limit int, before *pagination.Cursor) ([]*Escrow, error)
}
