package ratelimit

import (
	"testing"
	"time"
)

func TestAllowBlocksAfterLimit(t *testing.T) {
	l := New(time.Minute, 3)
	pub := "npub1abc"

	for i := 0; i < 3; i++ {
		if !l.Allow(pub) {
			t.Fatalf("request %d unexpectedly blocked", i)
		}
	}
	if l.Allow(pub) {
		t.Fatalf("4th request should have been blocked")
	}
}

func TestAllowIsPerPubkey(t *testing.T) {
	l := New(time.Minute, 1)
	if !l.Allow("npub1a") {
		t.Fatalf("first author should be allowed")
	}
	if !l.Allow("npub1b") {
		t.Fatalf("second author should not share the first author's quota")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(20*time.Millisecond, 1)
	pub := "npub1abc"
	if !l.Allow(pub) {
		t.Fatalf("first request should be allowed")
	}
	if l.Allow(pub) {
		t.Fatalf("second request within window should be blocked")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow(pub) {
		t.Fatalf("request after window elapsed should be allowed")
	}
}
