package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunRejectsBadURL(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Params{URL: "not-a-url", TimeMs: 1000})
	if err != ErrBadURL {
		t.Fatalf("got %v, want ErrBadURL", err)
	}
}

func TestRunRejectsChecksumMismatch(t *testing.T) {
	body := []byte("not actually wasm")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	r := NewRunner()
	_, err := r.Run(context.Background(), Params{
		URL:      srv.URL,
		Checksum: "0000000000000000000000000000000000000000000000000000000000000000",
		Function: "run",
		TimeMs:   1000,
	})
	if err != ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestRunRejectsOversizedBody(t *testing.T) {
	big := make([]byte, MaxBinarySize+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(big)
	}))
	defer srv.Close()

	sum := sha256.Sum256(big)
	r := NewRunner()
	_, err := r.Run(context.Background(), Params{
		URL:      srv.URL,
		Checksum: hex.EncodeToString(sum[:]),
		Function: "run",
		TimeMs:   1000,
	})
	if err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestRunPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewRunner()
	_, err := r.Run(context.Background(), Params{URL: srv.URL, TimeMs: 1000})
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.Status != http.StatusNotFound {
		t.Fatalf("got %v, want HTTPError{404}", err)
	}
}
