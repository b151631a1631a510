// Package scheduler implements the Scheduler (spec.md §4.4): a periodic
// poll for due scheduled jobs, a lease set guarding against a job being
// dispatched twice while its goroutine is still running, and the
// post-execution oracle-attestation hook for jobs with enumerated
// outcomes. Grounded on the teacher's TriggerManager — a mutex-guarded
// task map driven by a single ticker goroutine — retargeted from
// price-feed trigger evaluation to due-job dispatch.
package scheduler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/compute"
	"github.com/obscura-network/obscura-dvm/metrics"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/oracle"
	"github.com/obscura-network/obscura-dvm/relay"
	"github.com/obscura-network/obscura-dvm/storage"
)

// JobParams mirrors node.JobParams's wire shape. Kept as a separate type
// to avoid an import cycle between node and scheduler; both decode the
// same "i"-tag JSON payload.
type JobParams struct {
	URL      string `json:"url"`
	Function string `json:"function"`
	Input    string `json:"input"`
	TimeMs   int64  `json:"time"`
	Checksum string `json:"checksum"`
}

// Scheduler polls storage for jobs whose scheduled_at has elapsed and
// dispatches each exactly once.
type Scheduler struct {
	store     storage.Store
	runner    *compute.Runner
	oracle    *oracle.Subsystem
	transport relay.Transport
	serverKey signer

	pollInterval time.Duration

	mu     sync.Mutex
	leased map[string]struct{}
}

// signer is the minimal surface Scheduler needs to publish signed
// attestation events; satisfied by eventSigner, which wraps the signFn
// passed to New (typically a closure calling nostr.Event.Sign).
type signer interface {
	Sign(ev *nostr.Event) error
}

type eventSigner struct{ sign func(ev *nostr.Event) error }

func (e eventSigner) Sign(ev *nostr.Event) error { return e.sign(ev) }

// New constructs a Scheduler. signFn should close over the server's
// private key (e.g. func(ev *nostr.Event) error { return ev.Sign(serverKey) }).
func New(store storage.Store, runner *compute.Runner, sub *oracle.Subsystem, transport relay.Transport, signFn func(ev *nostr.Event) error) *Scheduler {
	return &Scheduler{
		store:        store,
		runner:       runner,
		oracle:       sub,
		transport:    transport,
		serverKey:    eventSigner{sign: signFn},
		pollInterval: 3 * time.Second,
		leased:       make(map[string]struct{}),
	}
}

// Run polls for due jobs every pollInterval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueScheduledJobs(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("scheduler: failed to query due jobs")
		return
	}

	for _, job := range due {
		if !s.acquireLease(job.ID) {
			continue
		}
		go func(j *storage.Job) {
			defer s.releaseLease(j.ID)
			s.dispatch(ctx, j)
		}(job)
	}
}

func (s *Scheduler) acquireLease(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leased[jobID]; held {
		return false
	}
	s.leased[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseLease(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leased, jobID)
}

// dispatch runs one due job to completion: execute the guest, persist the
// response id, publish the result, then attempt an oracle attestation if
// the job is linked to an announced enumerated-outcome event.
func (s *Scheduler) dispatch(ctx context.Context, job *storage.Job) {
	if job.ResponseID != nil {
		return // already terminal; a concurrent path beat us to it
	}

	var req nostr.Event
	if err := json.Unmarshal([]byte(job.Request), &req); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: stored request unparseable")
		return
	}
	params, err := extractParams(req.Tags)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to decode job params")
		return
	}

	output, runErr := s.runner.Run(ctx, compute.Params{
		URL: params.URL, Checksum: params.Checksum, Function: params.Function, Input: params.Input, TimeMs: params.TimeMs,
	})

	var reply nostr.Event
	if runErr != nil {
		metrics.IncJobsFailed()
		log.Debug().Err(runErr).Str("job_id", job.ID).Msg("scheduler: scheduled wasm execution failed")
		reply = buildFeedback(req, "ExecutionError: "+runErr.Error())
	} else {
		metrics.IncJobsProcessed()
		reply = buildResult(req, output, params.Input)
	}

	if err := s.serverKey.Sign(&reply); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to sign reply")
		return
	}

	var respID [32]byte
	if idBytes, err := hex.DecodeString(reply.ID); err == nil {
		copy(respID[:], idBytes)
		if err := s.store.Transaction(ctx, func(tx storage.Tx) error {
			return tx.SetResponseID(job.ID, respID)
		}); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to persist response id")
			return
		}
	}

	if err := s.transport.Publish(ctx, reply); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: failed to publish reply")
	}

	if runErr == nil {
		s.maybeAttest(ctx, job.ID, output)
	}
}

// buildResult constructs the unsigned JobResult reply for a dispatched
// scheduled job: tags = [author pubkey, request id, input descriptor,
// original request] per spec.md §4.1.
func buildResult(req nostr.Event, output, input string) nostr.Event {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("scheduler: failed to encode original request tag")
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

// maybeAttest implements spec.md §4.4 steps 3-4: attest only when the job
// is linked to an announced oracle event and the guest's output matches
// one of its declared outcomes; otherwise log and skip, never error.
func (s *Scheduler) maybeAttest(ctx context.Context, jobID, output string) {
	ej, err := s.store.EventJobByJobID(ctx, jobID)
	if err != nil {
		if err != storage.ErrNotFound {
			log.Error().Err(err).Str("job_id", jobID).Msg("scheduler: event-job lookup failed")
		}
		return
	}

	oracleEvent, err := s.store.OracleEventByID(ctx, ej.EventID)
	if err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: oracle event lookup failed")
		return
	}
	if oracleEvent.AnnouncementEventID == nil {
		log.Debug().Str("event_id", ej.EventID).Msg("scheduler: oracle event never broadcast, skipping attestation")
		return
	}

	var ann oracle.Announcement
	if err := json.Unmarshal([]byte(oracleEvent.OracleEventBytes), &ann); err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: failed to decode announcement")
		return
	}
	matched := false
	for _, outcome := range ann.Outcomes {
		if outcome == output {
			matched = true
			break
		}
	}
	if !matched {
		log.Info().Str("event_id", ej.EventID).Str("output", output).Msg("scheduler: guest output does not match a declared outcome, skipping attestation")
		return
	}

	att, err := s.oracle.SignEnum(ctx, ej.EventID, output)
	if err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: attestation signing failed")
		return
	}

	content, err := json.Marshal(att)
	if err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: failed to encode attestation")
		return
	}
	attEvent := nostr.Event{
		Kind:      nostr.KindOracleAttestation,
		Tags:      nostr.Tags{{"d", ej.EventID}},
		Content:   string(content),
		CreatedAt: time.Now().Unix(),
	}
	if err := s.serverKey.Sign(&attEvent); err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: failed to sign attestation")
		return
	}
	if err := s.transport.Publish(ctx, attEvent); err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: failed to publish attestation")
		return
	}
	if err := s.oracle.AddAttestationEventID(ctx, ej.EventID, attEvent.ID); err != nil {
		log.Error().Err(err).Str("event_id", ej.EventID).Msg("scheduler: failed to persist attestation event id")
	}
}

func extractParams(tags nostr.Tags) (JobParams, error) {
	iTag, ok := tags.Find("i")
	if !ok {
		return JobParams{}, errMissingITag
	}
	var p JobParams
	if err := json.Unmarshal([]byte(iTag[1]), &p); err != nil {
		return JobParams{}, err
	}
	return p, nil
}

var errMissingITag = errors.New("scheduler: missing i tag")
