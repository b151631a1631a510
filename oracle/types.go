// Package oracle is the Oracle Commitment Subsystem: nonce reservation,
// enumerated-outcome announcements, and attestation signing, grounded on
// the deterministic-signature-manager shape previously used for VRF in
// this codebase but retargeted to BIP340 Schnorr over secp256k1 so the
// same curve serves both the Nostr and oracle layers.
package oracle

import "time"

// Announcement is the public, pre-maturity commitment a requester (and
// any third-party DLC counterparty) observes: the oracle's pubkey, one
// nonce pubkey per possible outcome, and the event descriptor.
type Announcement struct {
	OraclePubKey string    `json:"oracle_pubkey"`
	EventID      string    `json:"event_id"`
	Name         string    `json:"name"`
	Outcomes     []string  `json:"outcomes"`
	NoncePubKeys []string  `json:"nonce_pubkeys"`
	MaturityUnix int64     `json:"maturity_unix"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attestation is published once the realized outcome is known: one
// signature per outcome slot, binding the event id and that outcome
// string under the slot's nonce key, so each signature verifies against
// the matching entry of NoncePubs (§ design note on the attestation scheme
// in DESIGN.md — this is a standard Schnorr signature over the event/
// outcome message rather than a single-nonce adaptor reveal).
type Attestation struct {
	EventID    string            `json:"event_id"`
	Outcome    string            `json:"outcome"`
	Signatures map[int]string    `json:"signatures"` // index -> hex signature
	NoncePubs  map[int]string    `json:"nonce_pubkeys"`
}
