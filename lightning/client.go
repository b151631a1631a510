// Package lightning specifies the Lightning node driver surface payment
// settlement consumes. The driver itself (LND, CLN, or any other
// implementation) is an external collaborator out of scope for this
// service; only the interface and a few concrete types it exchanges are
// defined here.
package lightning

import (
	"context"
	"time"
)

// InvoiceState mirrors the node's own invoice lifecycle states.
type InvoiceState string

const (
	StateOpen     InvoiceState = "OPEN"
	StateAccepted InvoiceState = "ACCEPTED"
	StateSettled  InvoiceState = "SETTLED"
	StateCanceled InvoiceState = "CANCELED"
)

// Invoice is returned by AddInvoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    [32]byte
	ValueMsat      int64
	Expiry         time.Duration
}

// InvoiceUpdate is one item from the node's invoice-update stream.
type InvoiceUpdate struct {
	PaymentHash [32]byte
	State       InvoiceState
	AmountMsat  int64
	SettledAt   time.Time
}

// NodeInfo is the node identity/capability summary returned by GetInfo.
type NodeInfo struct {
	Alias      string
	PubKey     string
	BlockHeight uint32
}

// Client is the RPC-like surface payment settlement depends on (spec.md
// §4.3). Implementations are expected to wrap a gRPC or REST client for a
// specific Lightning node software; none ships with this service.
type Client interface {
	AddInvoice(ctx context.Context, valueMsat int64, memo string, expiry time.Duration) (Invoice, error)
	// SubscribeInvoices returns a channel of every settlement the node
	// observes from the moment of the call onward. On stream
	// termination the caller is expected to re-subscribe from scratch;
	// the node is assumed to re-emit any settlement the caller has not
	// yet locally persisted a response for (spec.md §4.3).
	SubscribeInvoices(ctx context.Context) (<-chan InvoiceUpdate, error)
	GetInfo(ctx context.Context) (NodeInfo, error)
}
