package sdk

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/relay"
)

func TestSubmitJobCorrelatesResult(t *testing.T) {
	transport := relay.NewMock()
	clientKey, _ := secp256k1.GeneratePrivateKey()
	dvmKey, _ := secp256k1.GeneratePrivateKey()
	dvmPubHex := nostr.PubKeyHex(dvmKey)

	client := New(transport, clientKey, dvmPubHex)

	go func() {
		for {
			if len(transport.Published) > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		req := transport.Published[0]

		result := nostr.Event{
			Kind:      nostr.KindJobResult,
			Tags:      nostr.Tags{{"p", req.PubKey}, {"e", req.ID}},
			Content:   "42",
			CreatedAt: time.Now().Unix(),
		}
		_ = result.Sign(dvmKey)
		transport.Inject(result)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.SubmitJob(ctx, JobParams{URL: "https://example.com/guest.wasm", Function: "run", Input: "{}", TimeMs: 500, Checksum: "abc"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if res.Output != "42" {
		t.Fatalf("expected output 42, got %q", res.Output)
	}
}

func TestSubmitJobCorrelatesPaymentRequiredFeedback(t *testing.T) {
	transport := relay.NewMock()
	clientKey, _ := secp256k1.GeneratePrivateKey()
	dvmKey, _ := secp256k1.GeneratePrivateKey()
	dvmPubHex := nostr.PubKeyHex(dvmKey)

	client := New(transport, clientKey, dvmPubHex)

	go func() {
		for {
			if len(transport.Published) > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		req := transport.Published[0]

		feedback := nostr.Event{
			Kind: nostr.KindJobFeedback,
			Tags: nostr.Tags{
				{"p", req.PubKey},
				{"e", req.ID},
				{"status", "payment-required"},
				{"amount", "5000"},
				{"bolt11", "lnbc50n1..."},
			},
			CreatedAt: time.Now().Unix(),
		}
		_ = feedback.Sign(dvmKey)
		transport.Inject(feedback)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.SubmitJob(ctx, JobParams{URL: "https://example.com/guest.wasm", Function: "run", Input: "{}", TimeMs: 500, Checksum: "abc"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if res.Bolt11 != "lnbc50n1..." || res.AmountMsat != 5000 {
		t.Fatalf("expected payment-required feedback fields, got %+v", res)
	}
}

func TestSubmitJobIgnoresUnrelatedReplies(t *testing.T) {
	transport := relay.NewMock()
	clientKey, _ := secp256k1.GeneratePrivateKey()
	dvmKey, _ := secp256k1.GeneratePrivateKey()
	dvmPubHex := nostr.PubKeyHex(dvmKey)

	client := New(transport, clientKey, dvmPubHex)

	go func() {
		for {
			if len(transport.Published) > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		req := transport.Published[0]

		unrelated := nostr.Event{
			Kind:      nostr.KindJobResult,
			Tags:      nostr.Tags{{"e", "some-other-request-id"}},
			Content:   "wrong",
			CreatedAt: time.Now().Unix(),
		}
		_ = unrelated.Sign(dvmKey)
		transport.Inject(unrelated)

		time.Sleep(10 * time.Millisecond)

		correct := nostr.Event{
			Kind:      nostr.KindJobResult,
			Tags:      nostr.Tags{{"e", req.ID}},
			Content:   "right",
			CreatedAt: time.Now().Unix(),
		}
		_ = correct.Sign(dvmKey)
		transport.Inject(correct)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.SubmitJob(ctx, JobParams{URL: "https://example.com/guest.wasm", Function: "run", Input: "{}", TimeMs: 500, Checksum: "abc"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if res.Output != "right" {
		t.Fatalf("expected to skip unrelated reply and return correct one, got %q", res.Output)
	}
}
