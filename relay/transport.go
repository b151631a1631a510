// Package relay is the pub/sub relay transport: a Transport abstraction
// over the public message network the DVM's events flow through, plus a
// gorilla/websocket-backed reference implementation speaking NIP-01
// REQ/EVENT/CLOSE framing against one or more relay URLs.
package relay

import (
	"context"
	"time"

	"github.com/obscura-network/obscura-dvm/nostr"
)

// Transport is the byte-oriented event sink/source the coordinator,
// settlement and scheduler publish to and the node subscribes from. The
// relay wire protocol itself is out of scope beyond this interface
// (spec.md §1).
type Transport interface {
	// Subscribe returns a channel of events matching kinds, created since
	// the given time. The channel is not closed when ctx is canceled;
	// callers watch ctx.Done() themselves.
	Subscribe(ctx context.Context, kinds []int, since time.Time) (<-chan nostr.Event, error)
	// Publish broadcasts a signed event to every connected relay.
	Publish(ctx context.Context, ev nostr.Event) error
	Close() error
}
