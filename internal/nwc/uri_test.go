package nwc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Valid x-only secp256k1 points (x-coordinates of G and 2G).
const (
	testPubkey  = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	testPubkey2 = "c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
	testSecret  = "0000000000000000000000000000000000000000000000000000000000000001"
)

func validURI() string {
	return "nostr+walletconnect://" + testPubkey + "?relay=wss%3A%2F%2Frelay.example.com&secret=" + testSecret
}

func TestParseConnectURI(t *testing.T) {
	parsed, err := ParseConnectURI(validURI())
	require.NoError(t, err)

	assert.Equal(t, testPubkey, parsed.WalletPubkey)
	assert.Equal(t, "wss://relay.example.com", parsed.Relay)
	assert.Equal(t, testSecret, parsed.Secret)
}

func TestParseConnectURI_OpaqueForm(t *testing.T) {
	// Producers sometimes emit the URI without the double slash.
	raw := "nostr+walletconnect:" + testPubkey + "?relay=wss%3A%2F%2Frelay.example.com&secret=" + testSecret
	parsed, err := ParseConnectURI(raw)
	require.NoError(t, err)
	assert.Equal(t, testPubkey, parsed.WalletPubkey)
}

func TestParseConnectURI_UppercasePubkey(t *testing.T) {
	raw := "nostr+walletconnect://" + "79BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798" +
		"?relay=wss%3A%2F%2Frelay.example.com&secret=" + testSecret
	parsed, err := ParseConnectURI(raw)
	require.NoError(t, err)
	assert.Equal(t, testPubkey, parsed.WalletPubkey)
}

func TestParseConnectURI_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name:    "wrong scheme",
			raw:     "https://" + testPubkey + "?relay=wss%3A%2F%2Fr.example&secret=" + testSecret,
			wantErr: ErrInvalidURI,
		},
		{
			name:    "short pubkey",
			raw:     "nostr+walletconnect://abcd?relay=wss%3A%2F%2Fr.example&secret=" + testSecret,
			wantErr: ErrInvalidPubkey,
		},
		{
			name: "pubkey not on curve",
			raw: "nostr+walletconnect://" +
				"0000000000000000000000000000000000000000000000000000000000000005" +
				"?relay=wss%3A%2F%2Fr.example&secret=" + testSecret,
			wantErr: ErrInvalidPubkey,
		},
		{
			name:    "missing relay",
			raw:     "nostr+walletconnect://" + testPubkey + "?secret=" + testSecret,
			wantErr: ErrInvalidURI,
		},
		{
			name:    "relay not websocket",
			raw:     "nostr+walletconnect://" + testPubkey + "?relay=https%3A%2F%2Fr.example&secret=" + testSecret,
			wantErr: ErrInvalidURI,
		},
		{
			name:    "missing secret",
			raw:     "nostr+walletconnect://" + testPubkey + "?relay=wss%3A%2F%2Fr.example",
			wantErr: ErrInvalidSecret,
		},
		{
			name: "zero secret",
			raw: "nostr+walletconnect://" + testPubkey + "?relay=wss%3A%2F%2Fr.example&secret=" +
				"0000000000000000000000000000000000000000000000000000000000000000",
			wantErr: ErrInvalidSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConnectURI(tt.raw)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
