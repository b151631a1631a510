// Package sdk is a client for submitting job requests to a DVM and waiting
// on its reply: build and sign a kind:5600 event, publish it over a shared
// Transport, and watch the same transport for the matching kind:6600
// (JobResult) or kind:7000 (JobFeedback) reply.
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/relay"
)

// JobParams mirrors the DVM's "i"-tag payload shape.
type JobParams struct {
	URL      string `json:"url"`
	Function string `json:"function"`
	Input    string `json:"input"`
	TimeMs   int64  `json:"time"`
	Checksum string `json:"checksum"`
}

// Result is the outcome of a submitted job. ErrMessage is set instead of
// Output when the DVM replied with JobFeedback rather than JobResult; if
// that feedback carries a "payment-required" status, Bolt11 and AmountMsat
// are populated so the caller can pay and resubmit.
type Result struct {
	Output     string
	ErrMessage string
	Bolt11     string
	AmountMsat int64
}

// Client submits job requests to a DVM over a shared Transport and
// correlates replies by the "e" tag referencing the request's event id.
type Client struct {
	transport relay.Transport
	key       *secp256k1.PrivateKey
	dvmPubkey string
}

// New constructs a Client that signs requests with key and addresses them
// to dvmPubkey via a "p" tag.
func New(transport relay.Transport, key *secp256k1.PrivateKey, dvmPubkey string) *Client {
	return &Client{transport: transport, key: key, dvmPubkey: dvmPubkey}
}

// SubmitJob publishes a signed job request and blocks until a correlated
// JobResult or JobFeedback arrives, or ctx is canceled.
func (c *Client) SubmitJob(ctx context.Context, params JobParams) (*Result, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("sdk: encode params: %w", err)
	}

	req := nostr.Event{
		Kind:      nostr.KindJobRequest,
		Tags:      nostr.Tags{{"i", string(raw)}, {"p", c.dvmPubkey}},
		CreatedAt: time.Now().Unix(),
	}
	if err := req.Sign(c.key); err != nil {
		return nil, fmt.Errorf("sdk: sign request: %w", err)
	}

	replies, err := c.transport.Subscribe(ctx, []int{nostr.KindJobResult, nostr.KindJobFeedback}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sdk: subscribe for reply: %w", err)
	}

	if err := c.transport.Publish(ctx, req); err != nil {
		return nil, fmt.Errorf("sdk: publish request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("sdk: reply subscription closed before a response arrived")
			}
			if ev.Kind != nostr.KindJobResult && ev.Kind != nostr.KindJobFeedback {
				continue
			}
			if !referencesRequest(ev, req.ID) {
				continue
			}
			return parseReply(ev), nil
		}
	}
}

func referencesRequest(ev nostr.Event, requestID string) bool {
	eTag, ok := ev.Tags.Find("e")
	return ok && len(eTag) >= 2 && eTag[1] == requestID
}

func parseReply(ev nostr.Event) *Result {
	if ev.Kind == nostr.KindJobResult {
		return &Result{Output: ev.Content}
	}

	result := &Result{ErrMessage: ev.Content}
	if status, ok := ev.Tags.Find("status"); ok && len(status) >= 2 && status[1] == "payment-required" {
		if amount, ok := ev.Tags.Find("amount"); ok && len(amount) >= 2 {
			fmt.Sscanf(amount[1], "%d", &result.AmountMsat)
		}
		if bolt11, ok := ev.Tags.Find("bolt11"); ok && len(bolt11) >= 2 {
			result.Bolt11 = bolt11[1]
		}
	}
	return result
}
