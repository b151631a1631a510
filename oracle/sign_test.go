package oracle

import (
	"context"
	"os"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/obscura-network/obscura-dvm/storage"
)

func newTestSubsystem(t *testing.T) *Subsystem {
	t.Helper()
	dir, err := os.MkdirTemp("", "dvm-oracle-test-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	sub, err := NewSubsystem(context.Background(), store, sk)
	if err != nil {
		t.Fatalf("new subsystem: %v", err)
	}
	return sub
}

func TestReserveNoncesDisjointRanges(t *testing.T) {
	sub := newTestSubsystem(t)
	a := sub.ReserveNonces(3)
	b := sub.ReserveNonces(2)

	seen := map[uint64]bool{}
	for _, id := range append(a, b...) {
		if seen[id] {
			t.Fatalf("duplicate nonce id %d across reservations a=%v b=%v", id, a, b)
		}
		seen[id] = true
	}
	for i := 1; i < len(a); i++ {
		if a[i] != a[i-1]+1 {
			t.Fatalf("reservation not contiguous: %v", a)
		}
	}
}

func TestCreateEnumEventThenSignEnum(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	eventID, ann, err := sub.CreateEnumEvent(ctx, "will-it-rain", []string{"yes", "no"}, 3600)
	if err != nil {
		t.Fatalf("create enum event: %v", err)
	}
	if len(ann.NoncePubKeys) != 2 {
		t.Fatalf("expected 2 nonce pubkeys, got %d", len(ann.NoncePubKeys))
	}
	if ann.Signature == "" {
		t.Fatalf("announcement not signed")
	}

	att, err := sub.SignEnum(ctx, eventID, "yes")
	if err != nil {
		t.Fatalf("sign enum: %v", err)
	}
	if len(att.Signatures) != 2 {
		t.Fatalf("expected signatures for both nonce slots, got %d", len(att.Signatures))
	}

	if _, err := sub.SignEnum(ctx, eventID, "yes"); err == nil {
		t.Fatalf("expected second sign_enum attempt to fail")
	}
}
