package nostr

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestNIP04RoundTrip(t *testing.T) {
	alice, _ := secp256k1.GeneratePrivateKey()
	bob, _ := secp256k1.GeneratePrivateKey()

	secretA := SharedSecret(alice, bob.PubKey())
	secretB := SharedSecret(bob, alice.PubKey())
	if secretA != secretB {
		t.Fatalf("ECDH shared secrets diverged")
	}

	ciphertext, err := EncryptNIP04(secretA, "hello world")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plain, err := DecryptNIP04(secretB, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "hello world" {
		t.Fatalf("got %q, want %q", plain, "hello world")
	}
}
