// Package httpapi serves the DVM's small HTTP surface: NIP-05 identity
// resolution, an LNURL-pay endpoint for Nostr zaps, the invoice callback
// the LNURL flow dispatches to, and a Prometheus metrics endpoint.
// Grounded on the teacher's gorilla/mux router and CORS middleware
// (api/router.go, api/metrics.go), retargeted from the dashboard's
// simulated network stats to the DVM's real identity/zap/metrics surface.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/metrics"
	"github.com/obscura-network/obscura-dvm/storage"
)

// minSendableMsat / maxSendableMsat bound the LNURL-pay response (spec.md
// §6).
const (
	minSendableMsat = 1000
	maxSendableMsat = 11_000_000_000
)

// Server serves the endpoints spec.md §6 enumerates.
type Server struct {
	store        storage.Store
	lnClient     lightning.Client
	domain       string
	serverPubHex string
	relays       []string
	router       *mux.Router
}

// New constructs the HTTP server. serverPubHex is the service's own Nostr
// pubkey, advertised via /.well-known/nostr.json under the "_" name.
func New(store storage.Store, lnClient lightning.Client, domain, serverPubHex string, relays []string) *Server {
	s := &Server{
		store:        store,
		lnClient:     lnClient,
		domain:       domain,
		serverPubHex: serverPubHex,
		relays:       relays,
		router:       mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/.well-known/nostr.json", s.wellKnownNostr).Methods(http.MethodGet)
	s.router.HandleFunc("/.well-known/lnurlp/{name}", s.lnurlp).Methods(http.MethodGet)
	s.router.HandleFunc("/get-invoice/{hash}", s.getInvoice).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)
	s.router.Use(corsMiddleware)
}

// Handler returns the mux.Router to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wellKnownNostr implements the NIP-05 identity lookup: every name on this
// service resolves to the same server pubkey, under the "_" (root)
// identifier only.
func (s *Server) wellKnownNostr(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"names": map[string]string{"_": s.serverPubHex},
		"relays": map[string][]string{
			s.serverPubHex: s.relays,
		},
	})
}

// lnurlPayResponse is the LUD-06 payRequest metadata document.
type lnurlPayResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
}

func (s *Server) lnurlp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	metadata, _ := json.Marshal([][2]string{{"text/plain", fmt.Sprintf("Zap %s@%s", name, s.domain)}})

	resp := lnurlPayResponse{
		Callback:    fmt.Sprintf("https://%s/get-invoice/%s", s.domain, name),
		MaxSendable: maxSendableMsat,
		MinSendable: minSendableMsat,
		Metadata:    string(metadata),
		Tag:         "payRequest",
		AllowsNostr: true,
		NostrPubkey: s.serverPubHex,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// invoiceResponse is the LUD-06 callback response, extended per NIP-57
// with the zap receipt's eventual routing hint list (always empty: this
// service holds no routing information of its own).
type invoiceResponse struct {
	PR      string   `json:"pr"`
	Routers []string `json:"routers"`
}

// getInvoice is the LNURL-pay callback a wallet hits after lnurlp. It
// issues a BOLT11 invoice sized to the amount query parameter and, when a
// NIP-57 zap request accompanies it, persists a pending Zap row keyed by
// the invoice's payment hash so Payment Settlement can credit the
// requester's balance once it is paid.
func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amountStr := q.Get("amount")
	var amountMsat int64
	if _, err := fmt.Sscanf(amountStr, "%d", &amountMsat); err != nil || amountMsat < minSendableMsat {
		http.Error(w, "invalid or missing amount", http.StatusBadRequest)
		return
	}

	zapRequestJSON := q.Get("nostr")

	inv, err := s.lnClient.AddInvoice(r.Context(), amountMsat, "zap", 24*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("httpapi: invoice creation failed")
		http.Error(w, "invoice creation failed", http.StatusInternalServerError)
		return
	}
	metrics.IncInvoicesIssued()

	if zapRequestJSON != "" {
		npub := zapSenderPubkey(zapRequestJSON)
		zap := &storage.Zap{
			PaymentHash: inv.PaymentHash,
			Invoice:     inv.PaymentRequest,
			AmountMsats: amountMsat,
			Request:     zapRequestJSON,
			Npub:        npub,
		}
		err := s.store.Transaction(r.Context(), func(tx storage.Tx) error {
			return tx.PutZap(zap)
		})
		if err != nil {
			log.Error().Err(err).Msg("httpapi: failed to persist pending zap")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(invoiceResponse{PR: inv.PaymentRequest, Routers: []string{}})
}

// zapSenderPubkey extracts the "pubkey" field from a raw NIP-57 zap
// request event JSON without requiring the caller to decode the full
// event (the sender's signature over it is not this handler's concern;
// Payment Settlement only ever credits a balance, never trusts content).
func zapSenderPubkey(zapRequestJSON string) string {
	var partial struct {
		PubKey string `json:"pubkey"`
	}
	_ = json.Unmarshal([]byte(zapRequestJSON), &partial)
	return partial.PubKey
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(metrics.Prometheus()))
}
