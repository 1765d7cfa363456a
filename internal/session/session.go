// Package session coordinates wallet sessions: each session owns at most
// one live protocol client, and all reads of wallet state flow through
// the session's connection.
//
// Connection lifecycle is generation-sequenced. Every Connect and
// Disconnect bumps the session's generation counter; results of dials,
// balance polls, and info fetches started under an older generation are
// discarded when they arrive. Reconnecting closes the previous client
// exactly once.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")

	// ErrNotConnected means the operation needs a live wallet connection
	// and the session has none.
	ErrNotConnected = errors.New("session not connected")

	// ErrConnectionFailed wraps dial and handshake failures.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrOperationFailed wraps wallet-service errors on an established
	// connection.
	ErrOperationFailed = errors.New("wallet operation failed")

	// ErrValidation wraps rejected inputs (bad URIs, amounts below the
	// minimum, malformed preimages).
	ErrValidation = errors.New("validation failed")
)

// Status represents the connection state of a wallet session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Session is one wallet pairing and its cached state. Balance and node
// info are the last values observed through the session's connection,
// not authoritative wallet state.
type Session struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// ConnectionURI carries the pairing secret and never serializes.
	ConnectionURI string `json:"-"`

	BalanceMsat     int64     `json:"balanceMsat"`
	BalanceSyncedAt time.Time `json:"balanceSyncedAt,omitempty"`

	Alias   string `json:"alias,omitempty"`
	Pubkey  string `json:"pubkey,omitempty"`
	Network string `json:"network,omitempty"`
	Address string `json:"address,omitempty"`

	// ErrorMessage holds the human-readable cause when Status is error.
	ErrorMessage string `json:"errorMessage,omitempty"`

	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Connected reports whether the session has a live client.
func (s *Session) Connected() bool {
	return s.Status == StatusConnected
}

// Transaction is a normalized payment or invoice record. Wire epoch
// timestamps become time.Time; a transaction not yet settled has zero
// SettledAt and an empty Preimage.
type Transaction struct {
	Type         string         `json:"type"`
	State        string         `json:"state"`
	Invoice      string         `json:"invoice,omitempty"`
	Description  string         `json:"description,omitempty"`
	PaymentHash  string         `json:"paymentHash"`
	Preimage     string         `json:"preimage,omitempty"`
	AmountMsat   int64          `json:"amountMsat"`
	FeesPaidMsat int64          `json:"feesPaidMsat"`
	CreatedAt    time.Time      `json:"createdAt"`
	SettledAt    time.Time      `json:"settledAt,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Event is a normalized wallet notification attributed to a session.
type Event struct {
	SessionID   string      `json:"sessionId"`
	Type        string      `json:"type"`
	Transaction Transaction `json:"transaction"`
	ReceivedAt  time.Time   `json:"receivedAt"`
}

// PaymentOutcome is the result of a pay attempt, including held
// payments that were refunded by the recipient.
type PaymentOutcome struct {
	Status       string `json:"status"` // "settled", "refunded", "failed"
	Preimage     string `json:"preimage,omitempty"`
	FeesPaidMsat int64  `json:"feesPaidMsat"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

const (
	PaymentSettled  = "settled"
	PaymentRefunded = "refunded"
	PaymentFailed   = "failed"
)

// Store persists session records. Runtime connection state (clients,
// subscriptions, poll loops) lives in the Manager, never in the store.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}
