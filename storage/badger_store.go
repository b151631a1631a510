package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BadgerStore implements Store on top of BadgerDB, grounded on the
// teacher's own badger-backed store: SyncWrites for durability, a
// background value-log GC tick, prefix iteration for table scans.
type BadgerStore struct {
	db *badger.DB
}

// Open creates or loads a BadgerDB-backed Store at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			_ = db.RunValueLogGC(0.5)
		}
	}()

	log.Info().Str("path", path).Msg("storage: badger store opened")
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// Transaction runs fn inside a single Badger read-write transaction; fn's
// return value determines commit (nil) vs rollback (non-nil).
func (s *BadgerStore) Transaction(ctx context.Context, fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// --- key layout ---

func jobKey(id string) []byte           { return []byte("job:id:" + id) }
func jobByHashKey(h [32]byte) []byte     { return []byte("job:byhash:" + hex.EncodeToString(h[:])) }
func zapKey(h [32]byte) []byte           { return []byte("zap:hash:" + hex.EncodeToString(h[:])) }
func balanceKey(npub string) []byte      { return []byte("balance:" + npub) }
func eventKey(id string) []byte          { return []byte("event:id:" + id) }
func nonceKey(eventID string, i int) []byte {
	return []byte(fmt.Sprintf("nonce:event:%s:%04d", eventID, i))
}
func eventJobKey(jobID string) []byte { return []byte("eventjob:job:" + jobID) }
func oracleMetaKey() []byte          { return []byte("oraclemeta:" + SingletonKey) }

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// --- read-only Store convenience wrappers (outside a caller-managed Tx) ---

func (s *BadgerStore) JobByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, jobKey(id), &job) })
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BadgerStore) JobByPaymentHash(ctx context.Context, hash [32]byte) (*Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		var id string
		if err := getJSON(txn, jobByHashKey(hash), &id); err != nil {
			return err
		}
		return getJSON(txn, jobKey(id), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BadgerStore) DueScheduledJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	var due []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("job:id:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				return err
			}
			if job.ResponseID == nil && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
				j := job
				due = append(due, &j)
			}
		}
		return nil
	})
	return due, err
}

func (s *BadgerStore) ZapByPaymentHash(ctx context.Context, hash [32]byte) (*Zap, error) {
	var z Zap
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, zapKey(hash), &z) })
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (s *BadgerStore) BalanceOf(ctx context.Context, npub string) (int64, error) {
	var bal ZapBalance
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, balanceKey(npub), &bal) })
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

func (s *BadgerStore) OracleEventByID(ctx context.Context, id string) (*OracleEvent, error) {
	var ev OracleEvent
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, eventKey(id), &ev) })
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *BadgerStore) NoncesByEventID(ctx context.Context, eventID string) ([]*EventNonce, error) {
	var nonces []*EventNonce
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("nonce:event:" + eventID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var n EventNonce
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return err
			}
			nc := n
			nonces = append(nonces, &nc)
		}
		return nil
	})
	return nonces, err
}

func (s *BadgerStore) EventJobByJobID(ctx context.Context, jobID string) (*EventJob, error) {
	var ej EventJob
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, eventJobKey(jobID), &ej) })
	if err != nil {
		return nil, err
	}
	return &ej, nil
}

func (s *BadgerStore) NextNonceWatermark(ctx context.Context) (uint64, error) {
	var meta OracleMetadata
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, oracleMetaKey(), &meta) })
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.NextNonceID, nil
}

// --- transactional Tx implementation ---

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) PutJob(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := putJSON(t.txn, jobKey(job.ID), job); err != nil {
		return err
	}
	return putJSON(t.txn, jobByHashKey(job.PaymentHash), job.ID)
}

func (t *badgerTx) JobByID(id string) (*Job, error) {
	var job Job
	if err := getJSON(t.txn, jobKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (t *badgerTx) JobByPaymentHash(hash [32]byte) (*Job, error) {
	var id string
	if err := getJSON(t.txn, jobByHashKey(hash), &id); err != nil {
		return nil, err
	}
	return t.JobByID(id)
}

func (t *badgerTx) SetResponseID(jobID string, responseID [32]byte) error {
	job, err := t.JobByID(jobID)
	if err != nil {
		return err
	}
	id := responseID
	job.ResponseID = &id
	return putJSON(t.txn, jobKey(jobID), job)
}

func (t *badgerTx) PutZap(z *Zap) error {
	return putJSON(t.txn, zapKey(z.PaymentHash), z)
}

func (t *badgerTx) ZapByPaymentHash(hash [32]byte) (*Zap, error) {
	var z Zap
	if err := getJSON(t.txn, zapKey(hash), &z); err != nil {
		return nil, err
	}
	return &z, nil
}

func (t *badgerTx) SetZapNoteID(paymentHash [32]byte, noteID string) error {
	z, err := t.ZapByPaymentHash(paymentHash)
	if err != nil {
		return err
	}
	z.NoteID = &noteID
	return putJSON(t.txn, zapKey(paymentHash), z)
}

func (t *badgerTx) BalanceOf(npub string) (int64, error) {
	var bal ZapBalance
	err := getJSON(t.txn, balanceKey(npub), &bal)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// CreditBalance autovivifies a zero-balance row and applies delta under the
// same transaction the caller is already inside, enforcing the
// non-negative invariant before any write lands.
func (t *badgerTx) CreditBalance(npub string, deltaMsats int64) (int64, error) {
	current, err := t.BalanceOf(npub)
	if err != nil {
		return 0, err
	}
	next := current + deltaMsats
	if next < 0 {
		return 0, ErrNegativeBalance
	}
	if err := putJSON(t.txn, balanceKey(npub), &ZapBalance{Npub: npub, Balance: next}); err != nil {
		return 0, err
	}
	return next, nil
}

// PutNonceWatermark advances the single oracle_metadata row to next,
// unless a concurrent reservation already pushed it higher: ReserveNonces
// hands out ids under an atomic counter before its owning transaction
// commits, so two concurrent reservations' transactions can land in
// either order. Clamping to a monotonic max keeps the persisted watermark
// from ever regressing below an id already reserved.
func (t *badgerTx) PutNonceWatermark(next uint64) error {
	var meta OracleMetadata
	err := getJSON(t.txn, oracleMetaKey(), &meta)
	if err != nil && err != ErrNotFound {
		return err
	}
	if next <= meta.NextNonceID {
		return nil
	}
	meta.Singleton = SingletonKey
	meta.NextNonceID = next
	return putJSON(t.txn, oracleMetaKey(), &meta)
}

func (t *badgerTx) InsertOracleEvent(ev *OracleEvent, nonces []*EventNonce) error {
	if err := putJSON(t.txn, eventKey(ev.ID), ev); err != nil {
		return err
	}
	for _, n := range nonces {
		if err := putJSON(t.txn, nonceKey(ev.ID, n.Index), n); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) OracleEventByID(id string) (*OracleEvent, error) {
	var ev OracleEvent
	if err := getJSON(t.txn, eventKey(id), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *badgerTx) NoncesByEventID(eventID string) ([]*EventNonce, error) {
	var nonces []*EventNonce
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("nonce:event:" + eventID + ":")
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var n EventNonce
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
			return nil, err
		}
		nc := n
		nonces = append(nonces, &nc)
	}
	return nonces, nil
}

// SignNonces enforces that signature+outcome are either both present or
// both absent (spec.md §4.5): it refuses to sign any nonce in the event if
// one is already signed, and writes the outcome/signature pair to every
// nonce atomically with the rest of the transaction.
func (t *badgerTx) SignNonces(eventID string, outcome string, sigs map[int]string) error {
	nonces, err := t.NoncesByEventID(eventID)
	if err != nil {
		return err
	}
	for _, n := range nonces {
		if n.Signature != nil {
			return ErrAlreadySigned
		}
	}
	for _, n := range nonces {
		sig, ok := sigs[n.Index]
		if !ok {
			return fmt.Errorf("missing signature for nonce index %d", n.Index)
		}
		n.Outcome = &outcome
		n.Signature = &sig
		if err := putJSON(t.txn, nonceKey(eventID, n.Index), n); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) SetAnnouncementEventID(id string, pubEventID string) error {
	ev, err := t.OracleEventByID(id)
	if err != nil {
		return err
	}
	ev.AnnouncementEventID = &pubEventID
	return putJSON(t.txn, eventKey(id), ev)
}

func (t *badgerTx) SetAttestationEventID(id string, pubEventID string) error {
	ev, err := t.OracleEventByID(id)
	if err != nil {
		return err
	}
	ev.AttestationEventID = &pubEventID
	return putJSON(t.txn, eventKey(id), ev)
}

func (t *badgerTx) PutEventJob(ej *EventJob) error {
	return putJSON(t.txn, eventJobKey(ej.JobID), ej)
}

func (t *badgerTx) EventJobByJobID(jobID string) (*EventJob, error) {
	var ej EventJob
	if err := getJSON(t.txn, eventJobKey(jobID), &ej); err != nil {
		return nil, err
	}
	return &ej, nil
}

func (t *badgerTx) DueScheduledJobs(now time.Time) ([]*Job, error) {
	var due []*Job
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("job:id:")
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var job Job
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
			return nil, err
		}
		if job.ResponseID == nil && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
			j := job
			due = append(due, &j)
		}
	}
	return due, nil
}
