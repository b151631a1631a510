package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-process Client for tests and local development: invoices
// are never actually paid by a network, but Settle lets a test simulate
// the node observing a payment.
type Mock struct {
	mu       sync.Mutex
	invoices map[[32]byte]Invoice
	updates  chan InvoiceUpdate
}

func NewMock() *Mock {
	return &Mock{
		invoices: make(map[[32]byte]Invoice),
		updates:  make(chan InvoiceUpdate, 64),
	}
}

func (m *Mock) AddInvoice(ctx context.Context, valueMsat int64, memo string, expiry time.Duration) (Invoice, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return Invoice{}, fmt.Errorf("lightning: generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	inv := Invoice{
		PaymentRequest: fmt.Sprintf("lnbcmock%x", hash[:8]),
		PaymentHash:    hash,
		ValueMsat:      valueMsat,
		Expiry:         expiry,
	}

	m.mu.Lock()
	m.invoices[hash] = inv
	m.mu.Unlock()
	return inv, nil
}

func (m *Mock) SubscribeInvoices(ctx context.Context) (<-chan InvoiceUpdate, error) {
	return m.updates, nil
}

func (m *Mock) GetInfo(ctx context.Context) (NodeInfo, error) {
	return NodeInfo{Alias: "mock-node", PubKey: "00", BlockHeight: 1}, nil
}

// Settle simulates the node observing a payment for hash, for use in
// tests that exercise payment settlement end to end.
func (m *Mock) Settle(hash [32]byte) {
	m.mu.Lock()
	inv, ok := m.invoices[hash]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.updates <- InvoiceUpdate{PaymentHash: hash, State: StateSettled, AmountMsat: inv.ValueMsat, SettledAt: time.Now()}
}
