package keys

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/obscura-network/obscura-dvm/nostr"
)

func TestLoadGeneratesThenPersists(t *testing.T) {
	dir, err := os.MkdirTemp("", "dvm-keys-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	firstServer := hex.EncodeToString(first.ServerKey.Serialize())
	secondServer := hex.EncodeToString(second.ServerKey.Serialize())
	firstOracle := hex.EncodeToString(first.OracleKey.Serialize())

	if firstServer != secondServer {
		t.Fatalf("server key not stable across loads")
	}
	if hex.EncodeToString(second.OracleKey.Serialize()) != firstOracle {
		t.Fatalf("oracle key not stable across loads")
	}
	if firstServer == firstOracle {
		t.Fatalf("server and oracle keys must differ")
	}
}

func TestKind0PublishStateSurvivesReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "dvm-keys-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	kr, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kr.Kind0 != nil || kr.Kind31990 != nil {
		t.Fatalf("fresh keyring should not carry startup-event publish state")
	}

	ev := nostr.Event{ID: "abc123", Kind: nostr.KindMetadata, Content: `{"name":"test"}`}
	if err := kr.MarkKind0Published(ev); err != nil {
		t.Fatalf("mark kind0 published: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Kind0 == nil || reloaded.Kind0.ID != ev.ID {
		t.Fatalf("kind0 publish state did not survive reload: %+v", reloaded.Kind0)
	}
	if reloaded.Kind31990 != nil {
		t.Fatalf("kind31990 should remain unset until published")
	}
}
