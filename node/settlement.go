package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/compute"
	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/metrics"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/relay"
	"github.com/obscura-network/obscura-dvm/storage"
)

// Settlement is the long-lived invoice-update stream consumer (spec.md
// §4.3). It never blocks on a single handler's completion — each update is
// dispatched to its own goroutine — and restarts its subscription from
// scratch on stream termination, trusting the node to re-emit any
// settlement not yet locally acknowledged.
type Settlement struct {
	store     storage.Store
	runner    *compute.Runner
	transport relay.Transport
	lnClient  lightning.Client
	serverKey *secp256k1.PrivateKey
}

func NewSettlement(store storage.Store, runner *compute.Runner, transport relay.Transport, lnClient lightning.Client, serverKey *secp256k1.PrivateKey) *Settlement {
	return &Settlement{store: store, runner: runner, transport: transport, lnClient: lnClient, serverKey: serverKey}
}

// Run subscribes to the node's invoice stream and dispatches every
// Settled update, restarting on stream termination until ctx is canceled.
func (s *Settlement) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.consumeOnce(ctx); err != nil {
			log.Error().Err(err).Msg("settlement: invoice stream error, resubscribing in 5s")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Settlement) consumeOnce(ctx context.Context) error {
	updates, err := s.lnClient.SubscribeInvoices(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invoices: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("invoice stream closed")
			}
			if upd.State != lightning.StateSettled {
				continue
			}
			go s.handleSettlement(ctx, upd)
		}
	}
}

// handleSettlement implements the §4.3 dispatch-by-payment_hash table: a
// settlement is either a pending Job (run it now, or leave it for the
// scheduler) or a Zap (credit the balance, idempotent on note_id).
func (s *Settlement) handleSettlement(ctx context.Context, upd lightning.InvoiceUpdate) {
	job, err := s.store.JobByPaymentHash(ctx, upd.PaymentHash)
	if err == nil {
		s.settleJob(ctx, job)
		return
	}
	if err != storage.ErrNotFound {
		log.Error().Err(err).Msg("settlement: job lookup failed")
		return
	}

	zap, err := s.store.ZapByPaymentHash(ctx, upd.PaymentHash)
	if err == nil {
		s.settleZap(ctx, zap)
		return
	}
	if err != storage.ErrNotFound {
		log.Error().Err(err).Msg("settlement: zap lookup failed")
	}
}

func (s *Settlement) settleJob(ctx context.Context, job *storage.Job) {
	if job.ResponseID != nil {
		return // already terminal, idempotent no-op
	}
	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		return // scheduler will dispatch when due
	}

	var req nostr.Event
	if err := json.Unmarshal([]byte(job.Request), &req); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("settlement: stored request unparseable")
		return
	}

	// By settlement time the stored request always carries plaintext
	// tags: the coordinator resolves any "encrypted" detour once, at
	// pending-invoice time, and persists the result.
	params, err := extractJobParams(req.Tags)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("settlement: failed to re-derive job params")
		return
	}

	output, runErr := s.runner.Run(ctx, compute.Params{
		URL: params.URL, Checksum: params.Checksum, Function: params.Function, Input: params.Input, TimeMs: params.TimeMs,
	})

	var reply nostr.Event
	if runErr != nil {
		metrics.IncJobsFailed()
		log.Debug().Err(runErr).Str("job_id", job.ID).Msg("settlement: wasm execution failed after payment")
		reply = buildFeedback(req, "ExecutionError: "+runErr.Error())
	} else {
		metrics.IncJobsProcessed()
		reply = buildResult(req, output, params.Input)
	}

	if err := reply.Sign(s.serverKey); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("settlement: failed to sign reply")
		return
	}

	var respID [32]byte
	if idBytes, err := hex.DecodeString(reply.ID); err == nil {
		copy(respID[:], idBytes)
		if err := s.store.Transaction(ctx, func(tx storage.Tx) error {
			return tx.SetResponseID(job.ID, respID)
		}); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("settlement: failed to persist response id")
			return
		}
	}

	if err := s.transport.Publish(ctx, reply); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("settlement: failed to publish reply")
	}
}

// settleZap credits the recipient's balance exactly once: the note_id gate
// is checked and set inside the same transaction that credits the
// balance, so a concurrent duplicate settlement cannot double-credit.
func (s *Settlement) settleZap(ctx context.Context, zap *storage.Zap) {
	if zap.NoteID != nil {
		return // already settled
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		log.Error().Err(err).Msg("settlement: failed to generate zap receipt preimage")
		return
	}
	noteID := hex.EncodeToString(preimage[:])[:16]

	credited := false
	err := s.store.Transaction(ctx, func(tx storage.Tx) error {
		current, err := tx.ZapByPaymentHash(zap.PaymentHash)
		if err != nil {
			return err
		}
		if current.NoteID != nil {
			return nil // lost the race, another settlement already handled it
		}
		if err := tx.SetZapNoteID(zap.PaymentHash, noteID); err != nil {
			return err
		}
		if _, err = tx.CreditBalance(zap.Npub, zap.AmountMsats); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("npub", zap.Npub).Msg("settlement: zap settlement failed")
		return
	}
	if !credited {
		return
	}

	receipt := nostr.Event{
		Kind:      nostr.KindZapReceipt,
		Tags:      nostr.Tags{{"p", zap.Npub}, {"bolt11", zap.Invoice}},
		CreatedAt: time.Now().Unix(),
	}
	if err := receipt.Sign(s.serverKey); err != nil {
		log.Error().Err(err).Str("npub", zap.Npub).Msg("settlement: failed to sign zap receipt")
		return
	}
	if err := s.transport.Publish(ctx, receipt); err != nil {
		log.Error().Err(err).Str("npub", zap.Npub).Msg("settlement: failed to publish zap receipt")
	}

	metrics.IncZapsSettled()
	log.Info().Str("npub", zap.Npub).Int64("amount_msats", zap.AmountMsats).Msg("settlement: zap credited")
}

// buildResult constructs the unsigned JobResult reply for a settled job:
// tags = [author pubkey, request id, input descriptor, original request]
// per spec.md §4.1.
func buildResult(req nostr.Event, output, input string) nostr.Event {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("settlement: failed to encode original request tag")
	}
	tags := nostr.Tags{
		{"p", req.PubKey},
		{"e", req.ID},
		{"i", input},
		{"request", string(reqJSON)},
	}
	return nostr.Event{Kind: nostr.KindJobResult, Tags: tags, Content: output, CreatedAt: time.Now().Unix()}
}

func buildFeedback(req nostr.Event, message string) nostr.Event {
	tags := nostr.Tags{
		{"status", "error"},
		{"p", req.PubKey},
		{"e", req.ID},
	}
	return nostr.Event{Kind: nostr.KindJobFeedback, Tags: tags, Content: message, CreatedAt: time.Now().Unix()}
}
