// Package nostr implements the minimal slice of NIP-01 the DVM needs:
// event identity, schnorr signatures, and tag lookups. It does not attempt
// a general-purpose relay client; see package relay for transport.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Kind values this service consumes or produces.
const (
	KindMetadata         = 0
	KindJobRequest       = 5600
	KindJobResult        = 6600
	KindJobFeedback      = 7000
	KindServiceAd        = 31990
	KindOracleAnnounce   = 88
	KindOracleAttestation = 89
	KindZapReceipt       = 9735
)

// Tag is a single Nostr tag: its first element names the tag, the rest are
// arguments. Kept as []string rather than a struct so arbitrary-length tags
// round-trip through JSON without a custom type.
type Tag []string

// Name returns the tag's first element, or "" if empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Tags is an ordered tag array.
type Tags []Tag

// Find returns the first tag whose name matches, and whether one was found.
func (ts Tags) Find(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// FindAll returns every tag whose name matches.
func (ts Tags) FindAll(name string) []Tag {
	var out []Tag
	for _, t := range ts {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// Event is a signed Nostr event, per NIP-01, restricted to the fields this
// service reads or writes.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// serialize produces the canonical NIP-01 array used for both the event id
// and the signature payload: [0, pubkey, created_at, kind, tags, content].
func (e *Event) serialize() ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	return json.Marshal(arr)
}

// ComputeID fills in e.ID from the event's current fields.
func (e *Event) ComputeID() error {
	raw, err := e.serialize()
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(raw)
	e.ID = hex.EncodeToString(sum[:])
	return nil
}

// PubKeyHex returns the hex-encoded x-only public key for sk, in the same
// form Event.PubKey uses.
func PubKeyHex(sk *secp256k1.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
}

// Sign computes the id and a schnorr signature over it with sk, filling in
// PubKey, ID and Sig.
func (e *Event) Sign(sk *secp256k1.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	if err := e.ComputeID(); err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	sig, err := schnorr.Sign(sk, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that e.ID matches its content and e.Sig is a valid schnorr
// signature over e.ID by e.PubKey. An event failing verification must be
// dropped before any further processing (spec.md §4.1).
func (e *Event) Verify() error {
	want := *e
	want.ID = ""
	want.Sig = ""
	if err := want.ComputeID(); err != nil {
		return err
	}
	if want.ID != e.ID {
		return fmt.Errorf("id mismatch: computed %s, got %s", want.ID, e.ID)
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse sig: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
