// Package lncrypto provides the payment-secret primitives used by hold
// invoices: preimage generation, payment-hash derivation, and preimage
// verification, plus a minimal BOLT11 amount parser.
//
// A preimage is a 32-byte secret; its SHA-256 digest is the payment hash.
// Revealing the preimage proves payment and releases held funds.
package lncrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidPreimage = errors.New("lncrypto: invalid preimage")
	ErrInvalidInvoice  = errors.New("lncrypto: invalid invoice")
)

// PreimageSize is the length of a payment preimage in bytes.
const PreimageSize = 32

// NewPreimage generates a random preimage and its payment hash,
// both hex-encoded.
func NewPreimage() (preimage string, paymentHash string, err error) {
	b := make([]byte, PreimageSize)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("lncrypto: generate preimage: %w", err)
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(b), hex.EncodeToString(h[:]), nil
}

// HashPreimage returns the payment hash for a hex-encoded preimage.
func HashPreimage(preimage string) (string, error) {
	b, err := hex.DecodeString(preimage)
	if err != nil {
		return "", fmt.Errorf("%w: not hex: %v", ErrInvalidPreimage, err)
	}
	if len(b) != PreimageSize {
		return "", fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPreimage, PreimageSize, len(b))
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// VerifyPreimage reports whether the hex-encoded preimage hashes to the
// hex-encoded payment hash. Comparison is case-insensitive.
func VerifyPreimage(preimage, paymentHash string) bool {
	h, err := HashPreimage(preimage)
	if err != nil {
		return false
	}
	return strings.EqualFold(h, paymentHash)
}

// invoicePrefixes are the BOLT11 human-readable-part prefixes, longest
// first so "lnbcrt" is not matched as "lnbc".
var invoicePrefixes = []string{"lnbcrt", "lntbs", "lntb", "lnbc"}

// ParseInvoiceAmountMsat extracts the amount in millisatoshis from a
// BOLT11 invoice's human-readable part. Returns 0 with no error for a
// valid invoice that carries no amount ("any amount" invoice).
//
// Full BOLT11 decoding (description, timestamps, route hints) is the
// wallet service's job; callers here only need the amount for display
// and validation.
func ParseInvoiceAmountMsat(invoice string) (int64, error) {
	inv := strings.ToLower(strings.TrimSpace(invoice))

	var hrp string
	sep := strings.LastIndex(inv, "1")
	if sep < 1 {
		return 0, fmt.Errorf("%w: missing separator", ErrInvalidInvoice)
	}
	hrp = inv[:sep]

	var rest string
	matched := false
	for _, p := range invoicePrefixes {
		if strings.HasPrefix(hrp, p) {
			rest = hrp[len(p):]
			matched = true
			break
		}
	}
	if !matched {
		return 0, fmt.Errorf("%w: unknown prefix %q", ErrInvalidInvoice, hrp)
	}

	if rest == "" {
		return 0, nil // amountless invoice
	}

	// Amount is digits followed by an optional multiplier.
	multiplier := rest[len(rest)-1]
	digits := rest
	var msatPerUnit int64
	switch multiplier {
	case 'm': // milli-bitcoin
		digits = rest[:len(rest)-1]
		msatPerUnit = 100_000_000_000 / 1_000
	case 'u': // micro-bitcoin
		digits = rest[:len(rest)-1]
		msatPerUnit = 100_000_000_000 / 1_000_000
	case 'n': // nano-bitcoin
		digits = rest[:len(rest)-1]
		msatPerUnit = 100_000_000_000 / 1_000_000_000
	case 'p': // pico-bitcoin; 10 pBTC = 1 msat
		digits = rest[:len(rest)-1]
		msatPerUnit = 0 // handled below
	default:
		msatPerUnit = 100_000_000_000 // whole bitcoin
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad amount %q", ErrInvalidInvoice, digits)
	}

	if multiplier == 'p' {
		if n%10 != 0 {
			return 0, fmt.Errorf("%w: pico amount not a multiple of 10", ErrInvalidInvoice)
		}
		return n / 10, nil
	}
	return n * msatPerUnit, nil
}
