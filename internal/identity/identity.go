// Package identity derives the fleet's worker identities and signs their actions.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const derivationSalt = "mfleet/identity"

// Identity is one worker's address and signing capability. It is immutable
// once derived and owned by exactly one worker.
type Identity struct {
	Address    string
	Index      int
	GuildID    uint64
	Capability string
	// Key is the roster key ("capability:slot") the identity was built from.
	Key string

	priv ed25519.PrivateKey
}

// ParseSeed accepts a hex seed (with or without 0x) or any other non-empty passphrase.
func ParseSeed(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("identity seed is empty")
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && len(b) > 0 {
		return b, nil
	}
	return []byte(s), nil
}

// Derive builds the identity at index from the shared fleet seed.
func Derive(seed []byte, index int, guild uint64, capability string) (*Identity, error) {
	if len(seed) == 0 {
		return nil, errors.New("identity seed is empty")
	}
	if index < 0 {
		return nil, fmt.Errorf("invalid identity index %d", index)
	}
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, uint64(index))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, []byte(derivationSalt), info), keySeed); err != nil {
		return nil, fmt.Errorf("derive key %d: %w", index, err)
	}
	id, err := FromSeed(keySeed)
	if err != nil {
		return nil, err
	}
	id.Index = index
	id.GuildID = guild
	id.Capability = capability
	return id, nil
}

// FromSeed builds a bare identity (no roster metadata) from a 32-byte ed25519 seed.
// The funding source is loaded this way.
func FromSeed(keySeed []byte) (*Identity, error) {
	if len(keySeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(keySeed))
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return &Identity{
		Address: AddressOf(priv.Public().(ed25519.PublicKey)),
		priv:    priv,
	}, nil
}

// AddressOf returns the 20-byte Keccak-256 address of a public key.
func AddressOf(pub ed25519.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// Sign signs msg with the identity's key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// PublicKeyHex returns the hex-encoded public key sent alongside signatures.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.priv.Public().(ed25519.PublicKey))
}

// Short returns an abbreviated address for log lines.
func (id *Identity) Short() string {
	if len(id.Address) <= 10 {
		return id.Address
	}
	return id.Address[:6] + ".." + id.Address[len(id.Address)-4:]
}

// Tag identifies the identity in logs.
func (id *Identity) Tag() string {
	if id.Key != "" {
		return id.Key
	}
	return fmt.Sprintf("#%d", id.Index)
}

// ActionMessage builds the string signed for coordinator and ledger writes:
// action:JSON(params):timestampMillis.
func ActionMessage(action string, params any, ts time.Time) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal %s params: %w", action, err)
	}
	return fmt.Sprintf("%s:%s:%d", action, body, ts.UnixMilli()), nil
}

// SignAction signs the action message and returns the hex signature.
func (id *Identity) SignAction(action string, params any, ts time.Time) (string, error) {
	msg, err := ActionMessage(action, params, ts)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id.Sign([]byte(msg))), nil
}

// Verify checks a hex signature produced by SignAction. Used by tests and fakes.
func Verify(pubHex, sigHex, msg string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(msg), sig)
}
