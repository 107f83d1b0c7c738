package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds this client consumes from the relay network.
const (
	KindRepost           = 6
	KindShortVideoLegacy = 32222
	KindShortVideo       = 34236
)

var (
	// ErrIDMismatch means the event's declared id is not the hash of its
	// canonical serialization.
	ErrIDMismatch = errors.New("event id mismatch")

	// ErrBadSignature means the schnorr signature does not cover the
	// event id under the event's pubkey.
	ErrBadSignature = errors.New("invalid event signature")
)

// Event is the signed envelope relays deliver. Field names mirror the
// wire format; CreatedAt is unix seconds.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize produces the canonical byte form the event id commits to:
// the JSON array [0, pubkey, created_at, kind, tags, content], compact,
// without HTML escaping.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeID hashes the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	b, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that the declared id matches the canonical hash and that
// Sig is a valid BIP-340 schnorr signature over it by the event's x-only
// pubkey.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if e.ID != id {
		return fmt.Errorf("%w: declared %s, computed %s", ErrIDMismatch, shortID(e.ID), shortID(id))
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	digest, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("invalid event id hex: %w", err)
	}
	if !sig.Verify(digest, pub) {
		return ErrBadSignature
	}
	return nil
}

// Tag returns the first value of the first tag with the given name, or
// "" when absent.
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// shortID truncates an event id for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
