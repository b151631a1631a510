package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// infiniteLoopWasm is a hand-assembled, minimal Wasm module (no compiler
// involved): one page of memory, an "alloc" export that always returns a
// constant pointer, and a "run" export of type (i32,i32)->i64 whose body is
// a single unconditional backward branch — `loop / br 0 / end` followed by
// an `unreachable` to satisfy the validator's type stack past a loop that
// never falls through — so it never returns on its own. It makes no host
// calls, so the only place cancellation can land is the loop's back-edge.
var infiniteLoopWasm = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // magic, version

	// type section: (i32,i32)->i64 ; (i32)->i32
	0x01, 0x0C, 0x02,
	0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7E,
	0x60, 0x01, 0x7F, 0x01, 0x7F,

	// function section: func0 uses type0 (run), func1 uses type1 (alloc)
	0x03, 0x03, 0x02, 0x00, 0x01,

	// memory section: one memory, 1 page minimum
	0x05, 0x03, 0x01, 0x00, 0x01,

	// export section: memory, run (func0), alloc (func1)
	0x07, 0x18, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x01,

	// code section
	0x0A, 0x10, 0x02,
	// func0 "run": loop / br 0 / end(loop) / unreachable / end(func)
	0x08, 0x00, 0x03, 0x40, 0x0C, 0x00, 0x0B, 0x00, 0x0B,
	// func1 "alloc": i32.const 1024 / end
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0B,
}

// TestRunCancelsLongRunningGuest exercises an actual sandboxed module that
// never returns on its own: Run must still come back with ErrTimeout once
// params.TimeMs elapses, rather than blocking forever, proving
// WithCloseOnContextDone actually interrupts a compute-bound guest instead
// of only guests that happen to make host calls.
func TestRunCancelsLongRunningGuest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(infiniteLoopWasm)
	}))
	defer srv.Close()

	sum := sha256.Sum256(infiniteLoopWasm)
	r := NewRunner()

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		out, err = r.Run(context.Background(), Params{
			URL:      srv.URL,
			Checksum: hex.EncodeToString(sum[:]),
			Function: "run",
			Input:    "hi",
			TimeMs:   50,
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return within 5s of a 50ms budget; guest was not cancelled")
	}

	if err != ErrTimeout {
		t.Fatalf("got (%q, %v), want ErrTimeout", out, err)
	}
}
