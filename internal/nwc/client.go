// Package nwc defines the boundary to a remote Nostr-Wallet-Connect-style
// wallet service: the protocol client interface, its wire types, and
// connection-URI parsing. The wire transport itself is pluggable; the
// package ships a simulated in-process wallet for demos and tests.
package nwc

import (
	"context"
	"errors"
)

var (
	ErrClientClosed   = errors.New("nwc: client closed")
	ErrUnknownInvoice = errors.New("nwc: unknown invoice")
)

// Notification type identifiers as delivered by the wallet service.
const (
	NotificationPaymentReceived     = "payment_received"
	NotificationPaymentSent         = "payment_sent"
	NotificationHoldInvoiceAccepted = "hold_invoice_accepted"
)

// InvoiceParams are the parameters for creating a plain invoice.
type InvoiceParams struct {
	AmountMsat  int64  `json:"amount"`
	Description string `json:"description"`
	ExpirySecs  int64  `json:"expiry,omitempty"`
}

// HoldInvoiceParams are the parameters for creating a hold invoice.
// The payment hash is supplied by the caller, who keeps the preimage.
type HoldInvoiceParams struct {
	AmountMsat  int64  `json:"amount"`
	Description string `json:"description"`
	PaymentHash string `json:"payment_hash"`
}

// HoldInvoiceResult is the wallet service's answer to a hold-invoice
// request. The preimage is never included; only the creator holds it.
type HoldInvoiceResult struct {
	Invoice string `json:"invoice"`
}

// PayParams are the parameters for paying an invoice.
type PayParams struct {
	Invoice string `json:"invoice"`
}

// PayResult is a successful payment's outcome.
type PayResult struct {
	Preimage     string `json:"preimage"`
	FeesPaidMsat int64  `json:"fees_paid"`
}

// ListParams bound a transaction listing.
type ListParams struct {
	Limit  int  `json:"limit,omitempty"`
	Unpaid bool `json:"unpaid,omitempty"`
}

// NotificationHandler receives wire notifications from a subscription.
// Handlers must not block; the client delivers sequentially.
type NotificationHandler func(Notification)

// Client is an open connection to one remote wallet service, bound to a
// single connection URI. A Client is owned by exactly one session and
// must be closed exactly once.
type Client interface {
	// GetInfo returns node/wallet metadata.
	GetInfo(ctx context.Context) (*Info, error)

	// GetBalance returns the spendable balance in millisatoshis.
	GetBalance(ctx context.Context) (int64, error)

	// MakeInvoice creates a plain invoice.
	MakeInvoice(ctx context.Context, params InvoiceParams) (*Transaction, error)

	// MakeHoldInvoice creates a hold invoice keyed by the caller's
	// payment hash.
	MakeHoldInvoice(ctx context.Context, params HoldInvoiceParams) (*HoldInvoiceResult, error)

	// PayInvoice pays an invoice. For a hold invoice the call remains
	// outstanding until the recipient settles or cancels.
	PayInvoice(ctx context.Context, params PayParams) (*PayResult, error)

	// SettleHoldInvoice releases a held payment by revealing its preimage.
	SettleHoldInvoice(ctx context.Context, preimage string) error

	// CancelHoldInvoice refunds a held payment.
	CancelHoldInvoice(ctx context.Context, paymentHash string) error

	// ListTransactions returns recent transactions, newest first.
	ListTransactions(ctx context.Context, params ListParams) ([]Transaction, error)

	// SubscribeNotifications opens a notification stream, restricted to
	// the given types when any are provided. The returned function tears
	// the stream down; calling it more than once is a no-op.
	SubscribeNotifications(handler NotificationHandler, types ...string) (unsubscribe func(), err error)

	// Close releases the connection. Further calls fail with ErrClientClosed.
	Close() error
}

// DialFunc constructs a Client against a connection URI. Implementations
// validate the URI, establish transport, and return a ready client.
type DialFunc func(ctx context.Context, uri string) (Client, error)
