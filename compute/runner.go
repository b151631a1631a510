// Package compute is the Wasm Runner: fetches a checksummed Wasm binary
// over HTTP, sandboxes it with wazero, and races it against a wall-clock
// deadline.
package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// MaxBinarySize is the hard cap on a fetched guest binary (spec.md §4.2
// step 2): declared Content-Length and actual body length are both
// checked against it.
const MaxBinarySize = 25 * 1024 * 1024

// MemoryLimitPages bounds a single guest instance to 256 MiB (64KiB/page),
// independent of the wall-clock timeout, so a guest cannot exhaust host
// memory merely by running slowly.
const MemoryLimitPages = 4096

// Params is the decoded "i" tag payload a job request carries.
type Params struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Function string `json:"function"`
	Input    string `json:"input"`
	TimeMs   int64  `json:"time"`
}

// Errors returned by Run; all are non-fatal to the coordinator, which
// translates them into user-visible job feedback.
var (
	ErrBadURL           = errors.New("compute: bad url")
	ErrTooLarge         = errors.New("compute: binary exceeds size limit")
	ErrChecksumMismatch = errors.New("compute: checksum mismatch")
	ErrSandboxInit      = errors.New("compute: sandbox init failed")
	ErrTimeout          = errors.New("compute: execution timed out")
)

// HTTPError wraps a non-2xx status from the binary fetch.
type HTTPError struct{ Status int }

func (e *HTTPError) Error() string { return fmt.Sprintf("compute: http status %d", e.Status) }

// GuestTrapError wraps a guest-side execution failure (trap, missing export).
type GuestTrapError struct{ Msg string }

func (e *GuestTrapError) Error() string { return fmt.Sprintf("compute: guest trap: %s", e.Msg) }

// Runner holds the HTTP client used to fetch guest binaries; each job gets
// its own fresh wazero runtime and sandboxed module (see execute).
type Runner struct {
	httpClient *http.Client
}

func NewRunner() *Runner {
	return &Runner{httpClient: &http.Client{Timeout: 60 * time.Second}}
}

// Run implements spec.md §4.2 end to end: fetch, checksum, sandbox, race
// against params.TimeMs.
func (r *Runner) Run(ctx context.Context, params Params) (string, error) {
	u, err := url.Parse(params.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrBadURL
	}

	body, err := r.fetch(ctx, u.String())
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != params.Checksum {
		return "", ErrChecksumMismatch
	}

	tmp, err := os.CreateTemp("", "dvm-wasm-*.wasm")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxInit, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrSandboxInit, err)
	}
	tmp.Close()

	deadline := time.Duration(params.TimeMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	out, err := r.execute(runCtx, body, params.Function, params.Input)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", ErrTimeout
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Runner) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ErrBadURL
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}
	if resp.ContentLength > MaxBinarySize {
		return nil, ErrTooLarge
	}

	limited := io.LimitReader(resp.Body, MaxBinarySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if len(body) > MaxBinarySize {
		return nil, ErrTooLarge
	}
	return body, nil
}

// execute instantiates a fresh wazero runtime per call (cheap relative to
// the network fetch above) scoped to runCtx, so cancellation tears the
// whole sandbox down with it. WithCloseOnContextDone makes that teardown
// interrupt a guest mid-instruction, not just between host calls, so a
// compute-bound loop that never calls out is still cancelled at the
// deadline.
func (r *Runner) execute(runCtx context.Context, wasmBytes []byte, funcName, input string) (string, error) {
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(MemoryLimitPages).WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(runCtx, cfg)
	defer rt.Close(runCtx)

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxInit, err)
	}
	if _, err := instantiateHostModule(runCtx, rt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxInit, err)
	}

	mod, err := rt.Instantiate(runCtx, wasmBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxInit, err)
	}
	defer mod.Close(runCtx)

	fn := mod.ExportedFunction(funcName)
	if fn == nil {
		return "", &GuestTrapError{Msg: fmt.Sprintf("missing export %q", funcName)}
	}

	inPtr, inLen, freeIn, err := writeGuestString(runCtx, mod, input)
	if err != nil {
		return "", &GuestTrapError{Msg: err.Error()}
	}
	defer freeIn()

	results, err := fn.Call(runCtx, inPtr, inLen)
	if err != nil {
		return "", &GuestTrapError{Msg: err.Error()}
	}
	if len(results) == 0 {
		return "", nil
	}
	return readGuestString(mod, results[0])
}

// instantiateHostModule exposes http_fetch as the guest's only network
// capability: the host performs the request, the guest never gets a raw
// socket (spec.md §4.2 step 5, resolved per the expanded sandbox-host-surface
// design).
func instantiateHostModule(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	client := &http.Client{Timeout: 15 * time.Second}

	return rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) uint64 {
			buf, ok := mod.Memory().Read(urlPtr, urlLen)
			if !ok {
				return 0
			}
			resp, err := client.Get(string(buf))
			if err != nil {
				log.Debug().Err(err).Msg("compute: guest http_fetch failed")
				return 0
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBinarySize))
			if err != nil {
				return 0
			}
			ptr, _, free, err := writeGuestString(ctx, mod, string(body))
			if err != nil {
				return 0
			}
			_ = free // guest owns the buffer past this call; host cannot free it for the guest
			return (uint64(ptr) << 32) | uint64(len(body))
		}).
		Export("http_fetch").
		Instantiate(ctx)
}

// writeGuestString allocates space in guest linear memory for a string
// via the guest's exported "alloc", writes the bytes, and returns a
// no-op/free func (wazero guests using a bump allocator typically never
// free; alloc-only keeps this host code generic across guest runtimes).
func writeGuestString(ctx context.Context, mod api.Module, s string) (uint32, uint32, func(), error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, func() {}, errors.New("guest does not export alloc")
	}
	size := uint64(len(s))
	results, err := alloc.Call(ctx, size)
	if err != nil {
		return 0, 0, func() {}, err
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, []byte(s)) {
		return 0, 0, func() {}, errors.New("failed to write guest memory")
	}
	return ptr, uint32(size), func() {}, nil
}

func readGuestString(mod api.Module, packed uint64) (string, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return "", fmt.Errorf("failed to read guest memory at %d len %d", ptr, size)
	}
	return string(buf), nil
}
