// Package storage is the persistence layer: seven logical tables (events,
// event_nonces, event_jobs, jobs, oracle_metadata, zaps, zap_balances) laid
// out as key-prefixed rows in BadgerDB, with a Transaction primitive giving
// the all-or-nothing semantics the job coordinator, oracle subsystem and
// payment settlement rely on (spec.md §4.6).
package storage

import "time"

// Job is the persistent record of a Request accepted for execution.
type Job struct {
	ID            string     `json:"id"`
	PaymentHash   [32]byte   `json:"payment_hash"`
	Request       string     `json:"request"` // opaque signed event JSON
	ResponseID    *[32]byte  `json:"response_id,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// OracleEvent is the DVM's record of a DLC-style oracle commitment.
type OracleEvent struct {
	ID                    string  `json:"id"`
	AnnouncementSignature string  `json:"announcement_signature"`
	OracleEventBytes      string  `json:"oracle_event_bytes"`
	Name                  string  `json:"name"`
	IsEnum                bool    `json:"is_enum"`
	AnnouncementEventID   *string `json:"announcement_event_id,omitempty"`
	AttestationEventID    *string `json:"attestation_event_id,omitempty"`
}

// EventNonce is one outcome-nonce row belonging to an OracleEvent. Index is
// dense from 0; Outcome and Signature are set together, at attestation time.
type EventNonce struct {
	ID         uint64  `json:"id"`
	EventID    string  `json:"event_id"`
	Index      int     `json:"index"`
	NoncePub   string  `json:"nonce_pubkey"`
	Outcome    *string `json:"outcome,omitempty"`
	Signature  *string `json:"signature,omitempty"`
}

// EventJob links a scheduled Job to the OracleEvent it will attest.
type EventJob struct {
	JobID   string `json:"job_id"`
	EventID string `json:"event_id"`
}

// Zap is a Lightning-settled tip directed at a user's balance.
type Zap struct {
	PaymentHash [32]byte `json:"payment_hash"`
	Invoice     string   `json:"invoice"`
	AmountMsats int64    `json:"amount_msats"`
	Request     string   `json:"request"`
	Npub        string   `json:"npub"`
	NoteID      *string  `json:"note_id,omitempty"`
}

// ZapBalance is a per-pubkey prefunded msat ledger.
type ZapBalance struct {
	Npub    string `json:"npub"`
	Balance int64  `json:"balance_msats"`
}

// OracleMetadata is the single-row table carrying the process's oracle
// bookkeeping (currently just the next-nonce watermark, mirrored here for
// crash-visibility even though the live counter is the in-memory atomic
// described in spec.md §4.5).
type OracleMetadata struct {
	Singleton   string `json:"singleton"` // always the constant "oracle_metadata"
	NextNonceID uint64 `json:"next_nonce_id"`
}

// SingletonKey is the single legal value of OracleMetadata.Singleton.
const SingletonKey = "oracle_metadata"
