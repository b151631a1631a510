package node

import (
	"context"
	"os"
	"testing"

	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/keys"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/relay"
)

func newTestKeyring(t *testing.T) *keys.Keyring {
	t.Helper()
	dir, err := os.MkdirTemp("", "dvm-startup-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	kr, err := keys.Load(dir)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	return kr
}

func TestPublishStartupEventsEmitsKind0AndKind31990Once(t *testing.T) {
	kr := newTestKeyring(t)
	transport := relay.NewMock()
	cfg := &config.Config{Domain: "example.com"}

	publishStartupEvents(context.Background(), transport, kr, cfg)

	if len(transport.Published) != 2 {
		t.Fatalf("got %d published events, want 2 (kind0 + kind31990)", len(transport.Published))
	}
	if transport.Published[0].Kind != nostr.KindMetadata {
		t.Fatalf("first published event should be kind:0, got %d", transport.Published[0].Kind)
	}
	if transport.Published[1].Kind != nostr.KindServiceAd {
		t.Fatalf("second published event should be kind:31990, got %d", transport.Published[1].Kind)
	}
	if kr.Kind0 == nil || kr.Kind31990 == nil {
		t.Fatalf("keyring should record both events as published")
	}

	// A second call against the same (now-updated) keyring must not
	// re-publish: spec.md §6 requires this only happen once per identity.
	publishStartupEvents(context.Background(), transport, kr, cfg)
	if len(transport.Published) != 2 {
		t.Fatalf("got %d published events after second call, want still 2 (no re-publish)", len(transport.Published))
	}
}

func TestPublishStartupEventsSkipsAlreadyPublished(t *testing.T) {
	kr := newTestKeyring(t)
	prior := nostr.Event{ID: "already-done", Kind: nostr.KindMetadata, Content: `{"name":"old"}`}
	if err := kr.MarkKind0Published(prior); err != nil {
		t.Fatalf("seed prior publish state: %v", err)
	}

	transport := relay.NewMock()
	cfg := &config.Config{Domain: "example.com"}
	publishStartupEvents(context.Background(), transport, kr, cfg)

	if len(transport.Published) != 1 {
		t.Fatalf("got %d published events, want 1 (only the missing kind31990)", len(transport.Published))
	}
	if transport.Published[0].Kind != nostr.KindServiceAd {
		t.Fatalf("expected only kind:31990 to be published, got kind %d", transport.Published[0].Kind)
	}
}
