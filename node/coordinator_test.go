package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/obscura-network/obscura-dvm/compute"
	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/oracle"
	"github.com/obscura-network/obscura-dvm/relay"
	"github.com/obscura-network/obscura-dvm/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.BadgerStore, *relay.Mock, *secp256k1.PrivateKey) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dvm-coordinator-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	serverKey, _ := secp256k1.GeneratePrivateKey()
	oracleKey, _ := secp256k1.GeneratePrivateKey()
	sub, err := oracle.NewSubsystem(context.Background(), store, oracleKey)
	if err != nil {
		t.Fatalf("new subsystem: %v", err)
	}

	transport := relay.NewMock()
	lnClient := lightning.NewMock()
	cfg := &config.Config{PricePerMs: 1}

	coord := NewCoordinator(store, compute.NewRunner(), sub, transport, lnClient, cfg, serverKey)
	return coord, store, transport, serverKey
}

func signedJobRequest(t *testing.T, author *secp256k1.PrivateKey, url, checksum, fn, input string, timeMs int64) nostr.Event {
	t.Helper()
	params := JobParams{URL: url, Checksum: checksum, Function: fn, Input: input, TimeMs: timeMs}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	ev := nostr.Event{
		Kind:      nostr.KindJobRequest,
		Tags:      nostr.Tags{{"i", string(raw)}},
		CreatedAt: time.Now().Unix(),
	}
	if err := ev.Sign(author); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func TestHandleRequestBalancePaidRunsImmediately(t *testing.T) {
	body := []byte("guest-wasm-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(body) }))
	defer srv.Close()
	sum := sha256.Sum256(body)

	coord, store, transport, _ := newTestCoordinator(t)
	author, _ := secp256k1.GeneratePrivateKey()
	authorPub := nostr.PubKeyHex(author)

	err := store.Transaction(context.Background(), func(tx storage.Tx) error {
		_, err := tx.CreditBalance(authorPub, 1_000_000)
		return err
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	req := signedJobRequest(t, author, srv.URL, hex.EncodeToString(sum[:]), "run", "hi", 100)
	coord.HandleRequest(context.Background(), req)

	bal, err := store.BalanceOf(context.Background(), authorPub)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 999_900 {
		t.Fatalf("got balance %d, want 999900", bal)
	}
	if len(transport.Published) == 0 {
		t.Fatalf("expected a published feedback or result event")
	}
}

func TestHandleRequestRejectsOversizedTimeBudget(t *testing.T) {
	coord, _, transport, _ := newTestCoordinator(t)
	author, _ := secp256k1.GeneratePrivateKey()

	req := signedJobRequest(t, author, "http://example.com/x.wasm", "00", "run", "hi", MaxTimeMs+1)
	coord.HandleRequest(context.Background(), req)

	if len(transport.Published) != 1 {
		t.Fatalf("expected exactly one feedback event, got %d", len(transport.Published))
	}
	if transport.Published[0].Kind != nostr.KindJobFeedback {
		t.Fatalf("expected JobFeedback, got kind %d", transport.Published[0].Kind)
	}
}

func TestHandleRequestNoBalanceRequestsInvoice(t *testing.T) {
	coord, store, transport, _ := newTestCoordinator(t)
	author, _ := secp256k1.GeneratePrivateKey()

	req := signedJobRequest(t, author, "http://example.com/x.wasm", "00", "run", "hi", 100)
	coord.HandleRequest(context.Background(), req)

	if len(transport.Published) != 1 {
		t.Fatalf("expected one feedback event, got %d", len(transport.Published))
	}
	feedback := transport.Published[0]
	if _, ok := feedback.Tags.Find("bolt11"); !ok {
		t.Fatalf("expected bolt11 tag on payment-required feedback")
	}

	job, err := store.JobByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("expected pending job to be persisted: %v", err)
	}
	if job.ResponseID != nil {
		t.Fatalf("pending job should not yet have a response id")
	}
}
