package nwc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	ErrInvalidURI    = errors.New("nwc: invalid connection URI")
	ErrInvalidPubkey = errors.New("nwc: invalid wallet pubkey")
	ErrInvalidSecret = errors.New("nwc: invalid secret")
)

// Scheme is the connection-URI scheme for wallet-connect pairings.
const Scheme = "nostr+walletconnect"

// ConnectURI is a parsed wallet-connect pairing string:
//
//	nostr+walletconnect://<wallet pubkey>?relay=<wss url>&secret=<hex key>
type ConnectURI struct {
	WalletPubkey string // 32-byte x-only pubkey, hex
	Relay        string
	Secret       string // 32-byte secp256k1 secret key, hex
}

// ParseConnectURI validates and parses a wallet-connect URI. The wallet
// pubkey must be a valid x-only secp256k1 point and the secret a valid
// secret key; both checks catch copy-paste truncation before any dial.
func ParseConnectURI(raw string) (*ConnectURI, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: scheme must be %q", ErrInvalidURI, Scheme)
	}

	pubkey := strings.ToLower(u.Host)
	if u.Host == "" && u.Opaque != "" {
		// Some producers emit nostr+walletconnect:<pubkey>?... without slashes.
		pubkey = strings.ToLower(u.Opaque)
	}
	if err := validateXOnlyPubkey(pubkey); err != nil {
		return nil, err
	}

	q := u.Query()
	relay := q.Get("relay")
	if relay == "" {
		return nil, fmt.Errorf("%w: missing relay", ErrInvalidURI)
	}
	if ru, err := url.Parse(relay); err != nil || (ru.Scheme != "wss" && ru.Scheme != "ws") {
		return nil, fmt.Errorf("%w: relay must be a ws(s) URL", ErrInvalidURI)
	}

	secret := strings.ToLower(q.Get("secret"))
	if err := validateSecretKey(secret); err != nil {
		return nil, err
	}

	return &ConnectURI{WalletPubkey: pubkey, Relay: relay, Secret: secret}, nil
}

// validateXOnlyPubkey checks a 32-byte x-only pubkey by lifting it to a
// full point with an even-Y prefix.
func validateXOnlyPubkey(pubkey string) error {
	b, err := hex.DecodeString(pubkey)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPubkey)
	}
	if _, err := btcec.ParsePubKey(append([]byte{0x02}, b...)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return nil
}

func validateSecretKey(secret string) error {
	b, err := hex.DecodeString(secret)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidSecret)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return fmt.Errorf("%w: zero key", ErrInvalidSecret)
	}
	return nil
}
