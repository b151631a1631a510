package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/nostr"
)

// WebsocketTransport maintains one outbound connection per configured
// relay URL, each with its own reconnect-with-backoff loop (grounded on
// the same connect-retry shape this codebase already used for its
// blockchain event listener), and fans every received EVENT into a single
// subscriber channel.
type WebsocketTransport struct {
	urls     []string
	subID    string
	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	outbound chan nostr.Event
}

// NewWebsocketTransport dials no relays yet; Subscribe starts the
// connection loops.
func NewWebsocketTransport(urls []string) *WebsocketTransport {
	return &WebsocketTransport{
		urls:     urls,
		subID:    "dvm",
		conns:    make(map[string]*websocket.Conn),
		outbound: make(chan nostr.Event, 256),
	}
}

// Subscribe starts one connect-and-listen goroutine per relay URL and
// returns the shared channel those goroutines publish into.
func (t *WebsocketTransport) Subscribe(ctx context.Context, kinds []int, since time.Time) (<-chan nostr.Event, error) {
	filter := map[string]interface{}{
		"kinds": kinds,
		"since": since.Unix(),
	}
	req, err := json.Marshal([]interface{}{"REQ", t.subID, filter})
	if err != nil {
		return nil, fmt.Errorf("relay: encode REQ: %w", err)
	}

	for _, url := range t.urls {
		go t.connectLoop(ctx, url, req)
	}
	return t.outbound, nil
}

// connectLoop dials, sends REQ, and reads frames until ctx is canceled or
// the connection drops, retrying with a fixed backoff on every drop —
// matching the reconnect shape this codebase already uses for its other
// long-lived subscriptions.
func (t *WebsocketTransport) connectLoop(ctx context.Context, url string, req []byte) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.connectAndListen(ctx, url, req); err != nil {
			log.Error().Err(err).Str("relay", url).Msg("relay: connection error, reconnecting in 5s")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *WebsocketTransport) connectAndListen(ctx context.Context, url string, req []byte) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conns[url] = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.conns[url] == conn {
			delete(t.conns, url)
		}
		t.mu.Unlock()
	}()

	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send REQ: %w", err)
	}

	log.Info().Str("relay", url).Msg("relay: subscription active")

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		t.handleFrame(msg)
	}
}

// handleFrame parses a relay frame and, for ["EVENT", subID, event],
// verifies the signature before forwarding it — an event failing
// verification must be dropped before any further processing.
func (t *WebsocketTransport) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 1 {
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return
	}
	if kind != "EVENT" || len(frame) < 3 {
		return
	}

	var ev nostr.Event
	if err := json.Unmarshal(frame[2], &ev); err != nil {
		log.Debug().Err(err).Msg("relay: malformed EVENT frame")
		return
	}
	if err := ev.Verify(); err != nil {
		log.Debug().Err(err).Str("id", ev.ID).Msg("relay: dropping event with invalid signature")
		return
	}

	select {
	case t.outbound <- ev:
	default:
		log.Warn().Msg("relay: outbound buffer full, dropping event")
	}
}

// Publish writes ["EVENT", ev] to every currently connected relay.
func (t *WebsocketTransport) Publish(ctx context.Context, ev nostr.Event) error {
	frame, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("relay: encode EVENT: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return fmt.Errorf("relay: no connected relays")
	}
	var lastErr error
	for url, conn := range t.conns {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Error().Err(err).Str("relay", url).Msg("relay: publish failed")
			lastErr = err
		}
	}
	return lastErr
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	return nil
}
