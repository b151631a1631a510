package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/storage"
)

// Subsystem implements reserve_nonces, create_enum_event, sign_enum, and
// the two add_*_event_id setters. nextNonce is the single in-process
// atomic counter; it is seeded once at construction from the storage
// watermark and never re-read from disk afterward (spec.md §4.5).
type Subsystem struct {
	store     storage.Store
	oracleKey *secp256k1.PrivateKey
	nextNonce uint64
}

// NewSubsystem seeds the nonce counter from the storage watermark so ids
// stay globally monotonic across process restarts.
func NewSubsystem(ctx context.Context, store storage.Store, oracleKey *secp256k1.PrivateKey) (*Subsystem, error) {
	watermark, err := store.NextNonceWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: read nonce watermark: %w", err)
	}
	return &Subsystem{store: store, oracleKey: oracleKey, nextNonce: watermark}, nil
}

// PubKeyHex is the oracle's public key, advertised out of band (e.g. in
// the service's kind:0 metadata) so third parties can verify announcements
// and attestations without querying this service.
func (s *Subsystem) PubKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(s.oracleKey.PubKey()))
}

// ReserveNonces atomically reserves n contiguous ids under a single
// fetch-add, so concurrent reservations receive disjoint ranges.
func (s *Subsystem) ReserveNonces(n int) []uint64 {
	base := atomic.AddUint64(&s.nextNonce, uint64(n)) - uint64(n)
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = base + uint64(i)
	}
	return ids
}

// deriveNonceKey produces a per-(event,index) nonce keypair deterministically
// from the oracle key, avoiding the need to persist secret nonce scalars:
// the private scalar is recomputed on demand at sign_enum time from the
// same inputs that produced the announced public nonce.
func (s *Subsystem) deriveNonceKey(eventID string, index int) *secp256k1.PrivateKey {
	h := sha256.Sum256([]byte(fmt.Sprintf("dvm-oracle-nonce:%x:%s:%d", s.oracleKey.Serialize(), eventID, index)))
	sk := secp256k1.PrivKeyFromBytes(h[:])
	return sk
}

// CreateEnumEvent reserves one nonce per outcome, builds and signs the
// announcement, and inserts the Event row and its EventNonce rows in one
// storage transaction.
func (s *Subsystem) CreateEnumEvent(ctx context.Context, name string, outcomes []string, maturitySeconds int64) (string, *Announcement, error) {
	if len(outcomes) == 0 {
		return "", nil, fmt.Errorf("oracle: enum event requires at least one outcome")
	}

	ids := s.ReserveNonces(len(outcomes))
	seed := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", name, ids[0], time.Now().UnixNano())))
	eventID := hex.EncodeToString(seed[:])[:32]

	noncePubs := make([]string, len(outcomes))
	nonceRows := make([]*storage.EventNonce, len(outcomes))
	for i := range outcomes {
		nonceSK := s.deriveNonceKey(eventID, i)
		pub := hex.EncodeToString(schnorr.SerializePubKey(nonceSK.PubKey()))
		noncePubs[i] = pub
		nonceRows[i] = &storage.EventNonce{ID: ids[i], EventID: eventID, Index: i, NoncePub: pub}
	}

	ann := &Announcement{
		OraclePubKey: s.PubKeyHex(),
		EventID:      eventID,
		Name:         name,
		Outcomes:     outcomes,
		NoncePubKeys: noncePubs,
		MaturityUnix: time.Now().Unix() + maturitySeconds,
		CreatedAt:    time.Now(),
	}

	digest, err := announcementDigest(ann)
	if err != nil {
		return "", nil, err
	}
	sig, err := schnorr.Sign(s.oracleKey, digest)
	if err != nil {
		return "", nil, fmt.Errorf("oracle: sign announcement: %w", err)
	}
	ann.Signature = hex.EncodeToString(sig.Serialize())

	annBytes, err := json.Marshal(ann)
	if err != nil {
		return "", nil, err
	}

	row := &storage.OracleEvent{
		ID:                    eventID,
		AnnouncementSignature: ann.Signature,
		OracleEventBytes:      string(annBytes),
		Name:                  name,
		IsEnum:                true,
	}

	err = s.store.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertOracleEvent(row, nonceRows); err != nil {
			return err
		}
		// Persist the watermark in the same transaction as the reservation
		// it tracks, so a crash can never leave the two disagreeing.
		return tx.PutNonceWatermark(ids[len(ids)-1] + 1)
	})
	if err != nil {
		return "", nil, fmt.Errorf("oracle: insert event: %w", err)
	}

	log.Info().Str("event_id", eventID).Str("name", name).Int("outcomes", len(outcomes)).Msg("oracle: enum event created")
	return eventID, ann, nil
}

// SignEnum loads the event's announcement, signs the realized outcome
// against every nonce slot, and persists the result under one
// transaction. ErrAlreadySigned surfaces if this event was already
// attested.
func (s *Subsystem) SignEnum(ctx context.Context, eventID, outcome string) (*Attestation, error) {
	var ann Announcement
	var nonces []*storage.EventNonce

	err := s.store.Transaction(ctx, func(tx storage.Tx) error {
		row, err := tx.OracleEventByID(eventID)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(row.OracleEventBytes), &ann); err != nil {
			return fmt.Errorf("oracle: decode announcement: %w", err)
		}
		nonces, err = tx.NoncesByEventID(eventID)
		if err != nil {
			return err
		}

		sigs := make(map[int]string, len(nonces))
		for _, n := range nonces {
			msg := attestationDigest(eventID, outcome, n.Index)
			sig, err := schnorr.Sign(s.deriveNonceKey(eventID, n.Index), msg)
			if err != nil {
				return fmt.Errorf("oracle: sign attestation index %d: %w", n.Index, err)
			}
			sigs[n.Index] = hex.EncodeToString(sig.Serialize())
		}
		return tx.SignNonces(eventID, outcome, sigs)
	})
	if err != nil {
		return nil, err
	}

	att := &Attestation{EventID: eventID, Outcome: outcome, Signatures: map[int]string{}, NoncePubs: map[int]string{}}
	for i, pub := range ann.NoncePubKeys {
		att.NoncePubs[i] = pub
	}
	updated, err := s.store.NoncesByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	for _, n := range updated {
		if n.Signature != nil {
			att.Signatures[n.Index] = *n.Signature
		}
	}

	log.Info().Str("event_id", eventID).Str("outcome", outcome).Msg("oracle: enum event attested")
	return att, nil
}

// AddAnnouncementEventID / AddAttestationEventID attach the public-relay
// event ids once the corresponding Nostr event has been broadcast.
func (s *Subsystem) AddAnnouncementEventID(ctx context.Context, eventID, pubEventID string) error {
	return s.store.Transaction(ctx, func(tx storage.Tx) error {
		return tx.SetAnnouncementEventID(eventID, pubEventID)
	})
}

func (s *Subsystem) AddAttestationEventID(ctx context.Context, eventID, pubEventID string) error {
	return s.store.Transaction(ctx, func(tx storage.Tx) error {
		return tx.SetAttestationEventID(eventID, pubEventID)
	})
}

func announcementDigest(ann *Announcement) ([]byte, error) {
	unsigned := *ann
	unsigned.Signature = ""
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func attestationDigest(eventID, outcome string, index int) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("dvm-oracle-attest:%s:%d:%s", eventID, index, outcome)))
	return sum[:]
}
