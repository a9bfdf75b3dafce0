package group

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
)

// RelayIdentity is the keypair the relay uses to author synthesized
// moderation events (9000/9001 in response to join/leave requests) and to
// authorize itself against relay-authored metadata kinds (39000..39003).
//
// spec §9 flags the NIP-29 source's HMAC-SHA256 signing and SHA-256-derived
// "pubkey" as stubs; this replaces both with real secp256k1 Schnorr signing
// via internal/nevent.Sign, and a pubkey derived the same way every other
// Nostr keypair is (x-only serialization of the public point).
type RelayIdentity struct {
	secretKeyHex string
	PubKeyHex    string
}

// NewRelayIdentity derives a RelayIdentity from a hex-encoded secp256k1
// secret key.
func NewRelayIdentity(secretKeyHex string) (*RelayIdentity, error) {
	keyBytes, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("relay identity: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("relay identity: secret key must be 32 bytes, got %d", len(keyBytes))
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	pub := priv.PubKey().SerializeCompressed()
	return &RelayIdentity{
		secretKeyHex: secretKeyHex,
		PubKeyHex:    hex.EncodeToString(pub[1:]),
	}, nil
}

// Sign completes and signs e as an event authored by the relay: sets PubKey
// to the relay's own, stamps the id, and produces a real Schnorr signature.
func (ri *RelayIdentity) Sign(e *nevent.Event) error {
	e.PubKey = ri.PubKeyHex
	return nevent.Sign(e, ri.secretKeyHex)
}

