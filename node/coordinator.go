package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/compute"
	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/metrics"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/oracle"
	"github.com/obscura-network/obscura-dvm/relay"
	"github.com/obscura-network/obscura-dvm/storage"
)

// MaxTimeMs is the hard ceiling on a requested job's wall-clock budget
// (spec.md §4.1).
const MaxTimeMs = 600_000

// ScheduledParams is the optional scheduling descriptor carried in a
// JobParams payload.
type ScheduledParams struct {
	RunDate         int64    `json:"run_date"`
	ExpectedOutputs []string `json:"expected_outputs,omitempty"`
	Name            string   `json:"name,omitempty"`
}

// JobParams is the decoded "i"-tag payload.
type JobParams struct {
	URL       string           `json:"url"`
	Function  string           `json:"function"`
	Input     string           `json:"input"`
	TimeMs    int64            `json:"time"`
	Checksum  string           `json:"checksum"`
	Schedule  *ScheduledParams `json:"schedule,omitempty"`
}

// Coordinator implements the Job Coordinator: binds an incoming signed
// request to a funding decision, a Wasm execution, and an outbound
// feedback/result event.
type Coordinator struct {
	store     storage.Store
	runner    *compute.Runner
	oracle    *oracle.Subsystem
	transport relay.Transport
	lnClient  lightning.Client
	cfg       *config.Config
	serverKey *secp256k1.PrivateKey
}

// NewCoordinator wires the Job Coordinator to its collaborators.
func NewCoordinator(
	store storage.Store,
	runner *compute.Runner,
	sub *oracle.Subsystem,
	transport relay.Transport,
	lnClient lightning.Client,
	cfg *config.Config,
	serverKey *secp256k1.PrivateKey,
) *Coordinator {
	return &Coordinator{
		store:     store,
		runner:    runner,
		oracle:    sub,
		transport: transport,
		lnClient:  lnClient,
		cfg:       cfg,
		serverKey: serverKey,
	}
}

// HandleRequest processes one inbound kind:5600 event end to end. Each
// call is expected to run in its own goroutine — no per-request queueing
// (spec.md §5).
func (c *Coordinator) HandleRequest(ctx context.Context, req nostr.Event) {
	if err := req.Verify(); err != nil {
		log.Debug().Err(err).Str("id", req.ID).Msg("coordinator: dropping request with invalid signature")
		return
	}

	tags, content, err := c.resolveTags(req)
	if err != nil {
		log.Debug().Err(err).Str("id", req.ID).Msg("coordinator: bad request")
		c.publishFeedback(ctx, req, false, "", "BadRequest: "+err.Error())
		return
	}
	_, isEncrypted := req.Tags.Find("encrypted")
	_ = content

	// resolved carries the same id/pubkey/signature as req but with tags
	// replaced by the decrypted array (a no-op for plaintext requests).
	// Every path that persists the request for later use (pending
	// invoice, scheduled job) persists resolved, not req, so settlement
	// and the scheduler never need to repeat the decrypt step.
	resolved := req
	resolved.Tags = tags

	params, err := extractJobParams(tags)
	if err != nil {
		log.Debug().Err(err).Str("id", req.ID).Msg("coordinator: bad input")
		c.publishFeedback(ctx, req, false, "", "BadInput: "+err.Error())
		return
	}

	if params.TimeMs > MaxTimeMs {
		c.publishFeedback(ctx, req, isEncrypted, "", fmt.Sprintf("time %dms exceeds maximum of %dms", params.TimeMs, MaxTimeMs))
		return
	}

	valueMsat := c.cfg.PriceForMs(params.TimeMs)
	npub := req.PubKey

	balance, err := c.store.BalanceOf(ctx, npub)
	if err != nil {
		log.Error().Err(err).Msg("coordinator: balance lookup failed")
		c.publishFeedback(ctx, req, isEncrypted, "", "internal error")
		return
	}

	switch {
	case balance >= valueMsat && params.Schedule == nil:
		c.runBalancePaid(ctx, req, resolved, params, valueMsat, isEncrypted)
	case balance >= valueMsat && params.Schedule != nil:
		c.scheduleBalancePaid(ctx, req, resolved, params, valueMsat)
	default:
		c.requestInvoice(ctx, req, resolved, params, valueMsat, isEncrypted)
	}
}

// resolveTags implements the encrypted-request detour: decrypt content
// addressed to our pubkey and use the resulting tag array in place of the
// event's own tags.
func (c *Coordinator) resolveTags(req nostr.Event) (nostr.Tags, string, error) {
	if _, ok := req.Tags.Find("encrypted"); !ok {
		return req.Tags, req.Content, nil
	}

	pTag, ok := req.Tags.Find("p")
	if !ok || len(pTag) < 2 {
		return nil, "", fmt.Errorf("encrypted request missing p tag")
	}
	ourPub := nostr.PubKeyHex(c.serverKey)
	if pTag[1] != ourPub {
		return nil, "", fmt.Errorf("encrypted request addressed to a different pubkey")
	}

	authorPub, err := nostr.ParsePubKeyHex(req.PubKey)
	if err != nil {
		return nil, "", fmt.Errorf("parse author pubkey: %w", err)
	}
	secret := nostr.SharedSecret(c.serverKey, authorPub)

	plaintext, err := nostr.DecryptNIP04(secret, req.Content)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt content: %w", err)
	}

	var decryptedTags nostr.Tags
	if err := json.Unmarshal([]byte(plaintext), &decryptedTags); err != nil {
		return nil, "", fmt.Errorf("decrypted content is not a tag array: %w", err)
	}
	return decryptedTags, plaintext, nil
}

// extractJobParams scans tags for the "i" input-descriptor tag and
// decodes its JSON payload. Unknown JSON fields are accepted and ignored
// so future extensions don't break older deployments.
func extractJobParams(tags nostr.Tags) (JobParams, error) {
	iTag, ok := tags.Find("i")
	if !ok {
		return JobParams{}, fmt.Errorf("missing i tag")
	}
	if len(iTag) == 2 {
		// ok
	} else if len(iTag) == 3 && iTag[2] == "text" {
		// ok
	} else {
		return JobParams{}, fmt.Errorf("malformed i tag shape")
	}

	var params JobParams
	if err := json.Unmarshal([]byte(iTag[1]), &params); err != nil {
		return JobParams{}, fmt.Errorf("decode job params: %w", err)
	}
	return params, nil
}

func (c *Coordinator) runBalancePaid(ctx context.Context, req, resolved nostr.Event, params JobParams, valueMsat int64, encrypted bool) {
	jobID := req.ID
	var paymentHash [32]byte
	idBytes, _ := hex.DecodeString(req.ID)
	copy(paymentHash[:], idBytes)

	err := c.store.Transaction(ctx, func(tx storage.Tx) error {
		_, err := tx.CreditBalance(req.PubKey, -valueMsat)
		return err
	})
	if err != nil {
		c.publishFeedback(ctx, req, encrypted, "", "InsufficientFunds")
		return
	}

	output, runErr := c.runner.Run(ctx, compute.Params{
		URL: params.URL, Checksum: params.Checksum, Function: params.Function, Input: params.Input, TimeMs: params.TimeMs,
	})

	reqBytes, _ := json.Marshal(resolved)
	err = c.store.Transaction(ctx, func(tx storage.Tx) error {
		return tx.PutJob(&storage.Job{ID: jobID, PaymentHash: paymentHash, Request: string(reqBytes)})
	})
	if err != nil {
		log.Error().Err(err).Msg("coordinator: failed to persist completed job")
	}

	var reply nostr.Event
	if runErr != nil {
		metrics.IncJobsFailed()
		log.Debug().Err(runErr).Str("id", req.ID).Msg("coordinator: wasm execution failed")
		reply = c.buildFeedback(req, encrypted, "", "ExecutionError: "+runErr.Error())
	} else {
		metrics.IncJobsProcessed()
		reply = c.buildResult(req, output, params.Input, encrypted)
	}
	c.publishTerminalReply(ctx, jobID, req, reply)
}

// publishTerminalReply signs ev, persists its real relay event id as
// jobID's response id, and publishes it — the response id a later
// settlement or scheduler pass would otherwise use to decide the job is
// already done must be the id of the event actually sent, never a
// fabricated placeholder.
func (c *Coordinator) publishTerminalReply(ctx context.Context, jobID string, req nostr.Event, ev nostr.Event) {
	if err := ev.Sign(c.serverKey); err != nil {
		log.Error().Err(err).Msg("coordinator: failed to sign reply")
		return
	}

	var respID [32]byte
	if idBytes, err := hex.DecodeString(ev.ID); err == nil {
		copy(respID[:], idBytes)
		if err := c.store.Transaction(ctx, func(tx storage.Tx) error {
			return tx.SetResponseID(jobID, respID)
		}); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("coordinator: failed to persist response id")
		}
	}

	if err := c.transport.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("coordinator: failed to publish reply")
	}
}

func (c *Coordinator) scheduleBalancePaid(ctx context.Context, req, resolved nostr.Event, params JobParams, valueMsat int64) {
	jobID := req.ID
	var paymentHash [32]byte
	idBytes, _ := hex.DecodeString(req.ID)
	copy(paymentHash[:], idBytes)

	runAt := time.Unix(params.Schedule.RunDate, 0)
	reqBytes, _ := json.Marshal(resolved)

	var eventID string
	var announcement *oracle.Announcement

	err := c.store.Transaction(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreditBalance(req.PubKey, -valueMsat); err != nil {
			return err
		}
		if err := tx.PutJob(&storage.Job{ID: jobID, PaymentHash: paymentHash, Request: string(reqBytes), ScheduledAt: &runAt}); err != nil {
			return err
		}

		if len(params.Schedule.ExpectedOutputs) > 0 {
			name := params.Schedule.Name
			if name == "" {
				name = jobID
			}
			var err error
			eventID, announcement, err = c.oracle.CreateEnumEvent(ctx, name, params.Schedule.ExpectedOutputs, params.Schedule.RunDate-time.Now().Unix())
			if err != nil {
				return fmt.Errorf("create enum event: %w", err)
			}
			if err := tx.PutEventJob(&storage.EventJob{JobID: jobID, EventID: eventID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.publishFeedback(ctx, req, false, "", "InsufficientFunds")
		return
	}

	log.Info().Str("job_id", jobID).Time("run_at", runAt).Msg("coordinator: job scheduled")

	if announcement != nil {
		c.publishAnnouncement(ctx, eventID, announcement)
	}
}

// publishAnnouncement broadcasts the oracle's nonce-backed commitment as a
// kind:88 event and records the public relay event id against the stored
// OracleEvent, so a later attestation lookup can cross-reference it.
func (c *Coordinator) publishAnnouncement(ctx context.Context, eventID string, ann *oracle.Announcement) {
	content, err := json.Marshal(ann)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("coordinator: failed to encode announcement")
		return
	}

	ev := nostr.Event{
		Kind:      nostr.KindOracleAnnounce,
		Tags:      nostr.Tags{{"d", eventID}},
		Content:   string(content),
		CreatedAt: time.Now().Unix(),
	}
	if err := ev.Sign(c.serverKey); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("coordinator: failed to sign announcement")
		return
	}
	if err := c.transport.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("coordinator: failed to publish announcement")
		return
	}
	if err := c.oracle.AddAnnouncementEventID(ctx, eventID, ev.ID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("coordinator: failed to persist announcement event id")
	}
}

func (c *Coordinator) requestInvoice(ctx context.Context, req, resolved nostr.Event, params JobParams, valueMsat int64, encrypted bool) {
	inv, err := c.lnClient.AddInvoice(ctx, valueMsat, "dvm job "+req.ID, 24*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("coordinator: invoice creation failed")
		c.publishFeedback(ctx, req, encrypted, "", "internal error creating invoice")
		return
	}

	var runAt *time.Time
	if params.Schedule != nil {
		t := time.Unix(params.Schedule.RunDate, 0)
		runAt = &t
	}
	reqBytes, _ := json.Marshal(resolved)

	err = c.store.Transaction(ctx, func(tx storage.Tx) error {
		return tx.PutJob(&storage.Job{ID: req.ID, PaymentHash: inv.PaymentHash, Request: string(reqBytes), ScheduledAt: runAt})
	})
	if err != nil {
		log.Error().Err(err).Msg("coordinator: failed to persist pending job")
		return
	}

	metrics.IncInvoicesIssued()
	c.publishPaymentRequired(ctx, req, valueMsat, inv.PaymentRequest)
}

// buildResult constructs the unsigned JobResult reply event per spec.md
// §4.1: tags = [author pubkey, request id, input descriptor, original
// request], content = the guest's output (NIP-04 ciphertext, plus an
// "encrypted" marker tag, if the request itself was encrypted).
func (c *Coordinator) buildResult(req nostr.Event, output, input string, encrypted bool) nostr.Event {
	content := output
	reqJSON, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("coordinator: failed to encode original request tag")
	}
	tags := nostr.Tags{
		{"p", req.PubKey},
		{"e", req.ID},
		{"i", input},
		{"request", string(reqJSON)},
	}

	if encrypted {
		authorPub, err := nostr.ParsePubKeyHex(req.PubKey)
		if err == nil {
			secret := nostr.SharedSecret(c.serverKey, authorPub)
			if ciphertext, err := nostr.EncryptNIP04(secret, output); err == nil {
				content = ciphertext
				tags = append(tags, nostr.Tag{"encrypted"})
			}
		}
	}

	return nostr.Event{Kind: nostr.KindJobResult, Tags: tags, Content: content, CreatedAt: time.Now().Unix()}
}

func (c *Coordinator) buildFeedback(req nostr.Event, encrypted bool, bolt11, message string) nostr.Event {
	tags := nostr.Tags{
		{"status", "error"},
		{"p", req.PubKey},
		{"e", req.ID},
	}
	return nostr.Event{Kind: nostr.KindJobFeedback, Tags: tags, Content: message, CreatedAt: time.Now().Unix()}
}

func (c *Coordinator) publishFeedback(ctx context.Context, req nostr.Event, encrypted bool, bolt11, message string) {
	ev := c.buildFeedback(req, encrypted, bolt11, message)
	c.sign(ctx, &ev, req)
}

func (c *Coordinator) publishPaymentRequired(ctx context.Context, req nostr.Event, amountMsat int64, bolt11 string) {
	tags := nostr.Tags{
		{"status", "payment-required"},
		{"amount", fmt.Sprintf("%d", amountMsat)},
		{"bolt11", bolt11},
		{"p", req.PubKey},
		{"e", req.ID},
	}
	ev := nostr.Event{Kind: nostr.KindJobFeedback, Tags: tags, CreatedAt: time.Now().Unix()}
	c.sign(ctx, &ev, req)
}

func (c *Coordinator) sign(ctx context.Context, ev *nostr.Event, req nostr.Event) {
	if err := ev.Sign(c.serverKey); err != nil {
		log.Error().Err(err).Msg("coordinator: failed to sign reply")
		return
	}
	if err := c.transport.Publish(ctx, *ev); err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("coordinator: failed to publish reply")
	}
}
