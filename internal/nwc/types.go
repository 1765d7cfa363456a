package nwc

// Wire types as the wallet service serializes them. Timestamps are epoch
// seconds; the session layer converts them to time.Time when normalizing.

// Info is node/wallet metadata returned by get_info.
type Info struct {
	Alias   string   `json:"alias"`
	Pubkey  string   `json:"pubkey"`
	Network string   `json:"network"`
	Methods []string `json:"methods"`
	Address string   `json:"lud16,omitempty"` // optional payment address
}

// Transaction is a payment or invoice record on the wire.
type Transaction struct {
	Type         string         `json:"type"`  // "incoming" or "outgoing"
	State        string         `json:"state"` // "pending", "settled", "accepted", "failed"
	Invoice      string         `json:"invoice,omitempty"`
	Description  string         `json:"description,omitempty"`
	PaymentHash  string         `json:"payment_hash"`
	Preimage     string         `json:"preimage,omitempty"` // absent until settled
	AmountMsat   int64          `json:"amount"`
	FeesPaidMsat int64          `json:"fees_paid"`
	CreatedAt    int64          `json:"created_at"` // epoch seconds
	SettledAt    int64          `json:"settled_at,omitempty"`
	ExpiresAt    int64          `json:"expires_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Notification is a server-pushed event reporting a payment or
// invoice-state change.
type Notification struct {
	Type        string      `json:"notification_type"`
	Transaction Transaction `json:"notification"`
}
