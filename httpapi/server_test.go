package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.BadgerStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dvm-httpapi-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lnClient := lightning.NewMock()
	srv := New(store, lnClient, "dvm.example", "abcd1234", []string{"wss://relay.example"})
	return srv, store
}

func TestWellKnownNostr(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/nostr.json", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Names map[string]string `json:"names"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Names["_"] != "abcd1234" {
		t.Fatalf("expected root name to resolve to server pubkey, got %q", body.Names["_"])
	}
}

func TestLNURLP(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/lnurlp/alice", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp lnurlPayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MinSendable != minSendableMsat || resp.MaxSendable != maxSendableMsat {
		t.Fatalf("unexpected sendable bounds: %+v", resp)
	}
	if !resp.AllowsNostr {
		t.Fatalf("expected allowsNostr=true")
	}
}

func TestGetInvoiceRejectsMissingAmount(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get-invoice/alice", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetInvoicePersistsZapFromNostrParam(t *testing.T) {
	srv, _ := newTestServer(t)
	zapReq, _ := json.Marshal(map[string]string{"pubkey": "sender-pubkey-hex"})

	req := httptest.NewRequest(http.MethodGet, "/get-invoice/alice?amount=5000&nostr="+string(zapReq), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp invoiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PR == "" {
		t.Fatalf("expected a non-empty bolt11 string")
	}
	if resp.Routers == nil {
		t.Fatalf("expected routers to be an empty slice, not null")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty prometheus body")
	}
}
