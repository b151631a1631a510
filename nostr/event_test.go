package nostr

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      KindJobRequest,
		Tags:      Tags{{"i", `{"url":"https://example.com/f.wasm"}`}},
		Content:   "",
	}

	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := ev.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	sk, _ := secp256k1.GeneratePrivateKey()
	ev := &Event{CreatedAt: 1, Kind: KindJobRequest, Tags: Tags{}, Content: "a"}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}

	ev.Content = "b"
	if err := ev.Verify(); err == nil {
		t.Fatalf("expected verify to fail after tampering")
	}
}

func TestTagsFind(t *testing.T) {
	ts := Tags{{"p", "abc"}, {"i", `{}`, "text"}}
	tag, ok := ts.Find("i")
	if !ok || len(tag) != 3 || tag[2] != "text" {
		t.Fatalf("unexpected tag lookup result: %+v ok=%v", tag, ok)
	}
	if _, ok := ts.Find("e"); ok {
		t.Fatalf("did not expect to find tag 'e'")
	}
}
