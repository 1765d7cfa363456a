package nwc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lnsuite/nwcd/internal/lncrypto"
)

// SimulatedNetwork is an in-process wallet backend for demo mode and
// tests, playing the role the in-memory stores play in production-less
// deployments: every dial against it yields a working Client without a
// relay. Wallets are keyed by the connect URI's wallet pubkey and keep
// their balance across reconnects, so two sessions pointed at different
// pubkeys can pay each other's invoices.
type SimulatedNetwork struct {
	mu       sync.Mutex
	wallets  map[string]*simWallet
	invoices map[string]*simInvoice // by payment hash

	// StartingBalanceMsat seeds newly created wallets. Defaults to 1M sats.
	StartingBalanceMsat int64
}

// NewSimulatedNetwork creates an empty simulated wallet network.
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		wallets:             make(map[string]*simWallet),
		invoices:            make(map[string]*simInvoice),
		StartingBalanceMsat: 100_000_000_000,
	}
}

type simWallet struct {
	pubkey      string
	alias       string
	balanceMsat int64
	txs         []Transaction // newest first
	subs        map[int]*simSub
	nextSubID   int
}

type simSub struct {
	handler NotificationHandler
	types   map[string]bool // empty = all
}

type simInvoice struct {
	owner    *simWallet
	tx       Transaction
	hold     bool
	preimage string // empty for hold invoices; only the creator has it

	// Hold-invoice coordination. Closed at most once each.
	settled   chan struct{}
	cancelled chan struct{}
	payer     *simWallet
}

// Dial implements DialFunc. The URI must be a valid wallet-connect URI;
// its wallet pubkey selects (or creates) the backing wallet.
func (n *SimulatedNetwork) Dial(_ context.Context, uri string) (Client, error) {
	parsed, err := ParseConnectURI(uri)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.wallets[parsed.WalletPubkey]
	if !ok {
		w = &simWallet{
			pubkey:      parsed.WalletPubkey,
			alias:       "sim-" + parsed.WalletPubkey[:8],
			balanceMsat: n.StartingBalanceMsat,
			subs:        make(map[int]*simSub),
		}
		n.wallets[parsed.WalletPubkey] = w
	}

	return &SimClient{net: n, wallet: w}, nil
}

// SimClient is one live connection into a SimulatedNetwork.
type SimClient struct {
	net    *SimulatedNetwork
	wallet *simWallet

	mu     sync.Mutex
	closed bool
	subIDs []int
}

var _ Client = (*SimClient)(nil)

func (c *SimClient) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *SimClient) GetInfo(ctx context.Context) (*Info, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return &Info{
		Alias:   c.wallet.alias,
		Pubkey:  c.wallet.pubkey,
		Network: "regtest",
		Methods: []string{
			"get_info", "get_balance", "make_invoice", "make_hold_invoice",
			"pay_invoice", "settle_hold_invoice", "cancel_hold_invoice",
			"list_transactions", "notifications",
		},
		Address: c.wallet.alias + "@sim.regtest",
	}, nil
}

func (c *SimClient) GetBalance(ctx context.Context) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.wallet.balanceMsat, nil
}

func (c *SimClient) MakeInvoice(ctx context.Context, params InvoiceParams) (*Transaction, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if params.AmountMsat <= 0 {
		return nil, errors.New("nwc: amount must be positive")
	}

	preimage, hash, err := lncrypto.NewPreimage()
	if err != nil {
		return nil, err
	}

	expiry := params.ExpirySecs
	if expiry == 0 {
		expiry = 3600
	}
	now := time.Now().Unix()
	tx := Transaction{
		Type:        "incoming",
		State:       "pending",
		Invoice:     encodeSimInvoice(params.AmountMsat, hash),
		Description: params.Description,
		PaymentHash: hash,
		AmountMsat:  params.AmountMsat,
		CreatedAt:   now,
		ExpiresAt:   now + expiry,
	}

	c.net.mu.Lock()
	c.net.invoices[hash] = &simInvoice{owner: c.wallet, tx: tx, preimage: preimage}
	c.net.mu.Unlock()

	return &tx, nil
}

func (c *SimClient) MakeHoldInvoice(ctx context.Context, params HoldInvoiceParams) (*HoldInvoiceResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if params.AmountMsat <= 0 {
		return nil, errors.New("nwc: amount must be positive")
	}
	if len(params.PaymentHash) != 64 {
		return nil, errors.New("nwc: payment hash must be 32 bytes hex")
	}

	now := time.Now().Unix()
	tx := Transaction{
		Type:        "incoming",
		State:       "pending",
		Invoice:     encodeSimInvoice(params.AmountMsat, params.PaymentHash),
		Description: params.Description,
		PaymentHash: params.PaymentHash,
		AmountMsat:  params.AmountMsat,
		CreatedAt:   now,
		ExpiresAt:   now + 86400,
	}

	c.net.mu.Lock()
	if _, exists := c.net.invoices[params.PaymentHash]; exists {
		c.net.mu.Unlock()
		return nil, errors.New("nwc: duplicate payment hash")
	}
	c.net.invoices[params.PaymentHash] = &simInvoice{
		owner:     c.wallet,
		tx:        tx,
		hold:      true,
		settled:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	c.net.mu.Unlock()

	return &HoldInvoiceResult{Invoice: tx.Invoice}, nil
}

func (c *SimClient) PayInvoice(ctx context.Context, params PayParams) (*PayResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	c.net.mu.Lock()
	inv := c.net.findByInvoiceLocked(params.Invoice)
	if inv == nil {
		c.net.mu.Unlock()
		return nil, ErrUnknownInvoice
	}
	if inv.tx.State == "settled" {
		c.net.mu.Unlock()
		return nil, errors.New("nwc: invoice already paid")
	}
	if c.wallet.balanceMsat < inv.tx.AmountMsat {
		c.net.mu.Unlock()
		return nil, errors.New("nwc: insufficient balance")
	}

	if !inv.hold {
		preimage := inv.preimage
		c.net.settleLocked(inv, c.wallet)
		c.net.mu.Unlock()
		return &PayResult{Preimage: preimage}, nil
	}

	// Hold invoice: the payment is accepted but held. Notify the holder
	// and block until it settles or cancels.
	inv.payer = c.wallet
	inv.tx.State = "accepted"
	accepted := inv.tx
	c.net.notifyLocked(inv.owner, NotificationHoldInvoiceAccepted, accepted)
	settled, cancelled := inv.settled, inv.cancelled
	c.net.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cancelled:
		return nil, errors.New("nwc: payment cancelled by recipient")
	case <-settled:
		c.net.mu.Lock()
		preimage := inv.tx.Preimage
		c.net.mu.Unlock()
		return &PayResult{Preimage: preimage}, nil
	}
}

func (c *SimClient) SettleHoldInvoice(ctx context.Context, preimage string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	hash, err := lncrypto.HashPreimage(preimage)
	if err != nil {
		return err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	inv, ok := c.net.invoices[hash]
	if !ok || !inv.hold {
		return ErrUnknownInvoice
	}
	if inv.owner != c.wallet {
		return errors.New("nwc: not invoice owner")
	}
	if inv.tx.State != "accepted" {
		return fmt.Errorf("nwc: hold invoice not accepted (state %s)", inv.tx.State)
	}

	inv.tx.Preimage = preimage
	c.net.settleLocked(inv, inv.payer)
	close(inv.settled)
	return nil
}

func (c *SimClient) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	inv, ok := c.net.invoices[paymentHash]
	if !ok || !inv.hold {
		return ErrUnknownInvoice
	}
	if inv.owner != c.wallet {
		return errors.New("nwc: not invoice owner")
	}
	if inv.tx.State == "settled" || inv.tx.State == "failed" {
		return fmt.Errorf("nwc: hold invoice already resolved (state %s)", inv.tx.State)
	}

	inv.tx.State = "failed"
	if inv.payer != nil {
		close(inv.cancelled)
	}
	delete(c.net.invoices, paymentHash)
	return nil
}

func (c *SimClient) ListTransactions(ctx context.Context, params ListParams) ([]Transaction, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	out := make([]Transaction, 0, limit)
	for _, tx := range c.wallet.txs {
		out = append(out, tx)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *SimClient) SubscribeNotifications(handler NotificationHandler, types ...string) (func(), error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	c.net.mu.Lock()
	id := c.wallet.nextSubID
	c.wallet.nextSubID++
	c.wallet.subs[id] = &simSub{handler: handler, types: filter}
	c.net.mu.Unlock()

	c.mu.Lock()
	c.subIDs = append(c.subIDs, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.net.mu.Lock()
			delete(c.wallet.subs, id)
			c.net.mu.Unlock()
		})
	}, nil
}

func (c *SimClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.closed = true
	subIDs := c.subIDs
	c.mu.Unlock()

	// Subscriptions die with their connection.
	c.net.mu.Lock()
	for _, id := range subIDs {
		delete(c.wallet.subs, id)
	}
	c.net.mu.Unlock()
	return nil
}

// settleLocked moves funds and records transactions for both sides.
// Callers hold net.mu.
func (n *SimulatedNetwork) settleLocked(inv *simInvoice, payer *simWallet) {
	now := time.Now().Unix()
	inv.tx.State = "settled"
	inv.tx.SettledAt = now
	if inv.tx.Preimage == "" {
		inv.tx.Preimage = inv.preimage
	}

	inv.owner.balanceMsat += inv.tx.AmountMsat
	inv.owner.txs = append([]Transaction{inv.tx}, inv.owner.txs...)
	n.notifyLocked(inv.owner, NotificationPaymentReceived, inv.tx)

	if payer != nil {
		payer.balanceMsat -= inv.tx.AmountMsat
		sent := inv.tx
		sent.Type = "outgoing"
		payer.txs = append([]Transaction{sent}, payer.txs...)
		n.notifyLocked(payer, NotificationPaymentSent, sent)
	}

	delete(n.invoices, inv.tx.PaymentHash)
}

// notifyLocked dispatches a notification to a wallet's subscribers.
// Delivery happens on a fresh goroutine so handlers can call back into
// the client without deadlocking. Callers hold net.mu.
func (n *SimulatedNetwork) notifyLocked(w *simWallet, typ string, tx Transaction) {
	note := Notification{Type: typ, Transaction: tx}
	for _, sub := range w.subs {
		if len(sub.types) > 0 && !sub.types[typ] {
			continue
		}
		handler := sub.handler
		go handler(note)
	}
}

func (n *SimulatedNetwork) findByInvoiceLocked(invoice string) *simInvoice {
	for _, inv := range n.invoices {
		if inv.tx.Invoice == invoice {
			return inv
		}
	}
	return nil
}

// encodeSimInvoice produces a stand-in payment request whose
// human-readable part round-trips through lncrypto.ParseInvoiceAmountMsat
// (regtest prefix, pico-bitcoin multiplier). The data part must not
// contain "1", the hrp separator.
func encodeSimInvoice(amountMsat int64, paymentHash string) string {
	data := strings.Map(func(r rune) rune {
		if r == '1' {
			return 'x'
		}
		return r
	}, paymentHash)
	return fmt.Sprintf("lnbcrt%dp1%s", amountMsat*10, data)
}
