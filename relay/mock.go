package relay

import (
	"context"
	"time"

	"github.com/obscura-network/obscura-dvm/nostr"
)

// Mock is an in-process Transport for tests: Publish appends to Published
// and echoes onto the subscriber channel as if a relay had rebroadcast it.
type Mock struct {
	Published []nostr.Event
	ch        chan nostr.Event
}

func NewMock() *Mock {
	return &Mock{ch: make(chan nostr.Event, 256)}
}

func (m *Mock) Subscribe(ctx context.Context, kinds []int, since time.Time) (<-chan nostr.Event, error) {
	return m.ch, nil
}

func (m *Mock) Publish(ctx context.Context, ev nostr.Event) error {
	m.Published = append(m.Published, ev)
	select {
	case m.ch <- ev:
	default:
	}
	return nil
}

func (m *Mock) Close() error {
	close(m.ch)
	return nil
}

// Inject delivers an event to subscribers as though a relay had sent it,
// without recording it in Published — used to simulate inbound job
// requests in tests.
func (m *Mock) Inject(ev nostr.Event) {
	m.ch <- ev
}
