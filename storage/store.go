package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("storage: not found")

// ErrNegativeBalance is returned when a balance update would drive a
// ZapBalance below zero (spec.md §3 invariant).
var ErrNegativeBalance = errors.New("storage: balance would go negative")

// ErrAlreadySigned is returned when sign_enum is attempted twice on the
// same nonce (spec.md §4.5 invariant).
var ErrAlreadySigned = errors.New("storage: nonce already signed")

// Store is the persistence contract every component above it depends on.
// Transaction is the only write path with all-or-nothing semantics;
// everything else is a read-only convenience wrapper for callers that are
// not already inside a managed transaction.
type Store interface {
	Transaction(ctx context.Context, fn func(Tx) error) error

	JobByID(ctx context.Context, id string) (*Job, error)
	JobByPaymentHash(ctx context.Context, hash [32]byte) (*Job, error)
	DueScheduledJobs(ctx context.Context, now time.Time) ([]*Job, error)

	ZapByPaymentHash(ctx context.Context, hash [32]byte) (*Zap, error)
	BalanceOf(ctx context.Context, npub string) (int64, error)

	OracleEventByID(ctx context.Context, id string) (*OracleEvent, error)
	NoncesByEventID(ctx context.Context, eventID string) ([]*EventNonce, error)
	EventJobByJobID(ctx context.Context, jobID string) (*EventJob, error)

	NextNonceWatermark(ctx context.Context) (uint64, error)

	Close() error
}

// Tx is the mutating surface available inside Store.Transaction. All
// methods operate against the single underlying transaction; none commits
// independently.
type Tx interface {
	PutJob(job *Job) error
	SetResponseID(jobID string, responseID [32]byte) error
	JobByID(id string) (*Job, error)
	JobByPaymentHash(hash [32]byte) (*Job, error)

	PutZap(z *Zap) error
	ZapByPaymentHash(hash [32]byte) (*Zap, error)
	SetZapNoteID(paymentHash [32]byte, noteID string) error

	// CreditBalance adds delta (negative for debits) to npub's balance,
	// auto-vivifying a zero-balance row if one does not exist. Returns
	// ErrNegativeBalance without mutating anything if the result would be
	// negative.
	CreditBalance(npub string, deltaMsats int64) (newBalance int64, err error)
	BalanceOf(npub string) (int64, error)

	InsertOracleEvent(ev *OracleEvent, nonces []*EventNonce) error
	OracleEventByID(id string) (*OracleEvent, error)
	NoncesByEventID(eventID string) ([]*EventNonce, error)
	// PutNonceWatermark persists the next-nonce-to-reserve counter so a
	// restarted process can seed oracle.Subsystem's in-memory counter from
	// disk instead of silently restarting it at zero.
	PutNonceWatermark(next uint64) error
	// SignNonces writes outcome+signature into every nonce row for an
	// event in one pass. Returns ErrAlreadySigned if any nonce in the
	// event already carries a signature.
	SignNonces(eventID string, outcome string, sigs map[int]string) error
	SetAnnouncementEventID(id string, pubEventID string) error
	SetAttestationEventID(id string, pubEventID string) error

	PutEventJob(ej *EventJob) error
	EventJobByJobID(jobID string) (*EventJob, error)

	DueScheduledJobs(now time.Time) ([]*Job, error)
}
