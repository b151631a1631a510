package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/compute"
	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/keys"
	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/oracle"
	"github.com/obscura-network/obscura-dvm/ratelimit"
	"github.com/obscura-network/obscura-dvm/relay"
	"github.com/obscura-network/obscura-dvm/scheduler"
	"github.com/obscura-network/obscura-dvm/storage"
)

// Node wires the Job Coordinator, Payment Settlement, and Scheduler to a
// shared store, transport, and Lightning client, and runs the top-level
// subscription loop that feeds inbound kind:5600 requests to the
// Coordinator.
type Node struct {
	store       storage.Store
	transport   relay.Transport
	coordinator *Coordinator
	settlement  *Settlement
	scheduler   *scheduler.Scheduler
	limiter     *ratelimit.Limiter
}

// New constructs a fully wired Node from resolved configuration and a
// loaded keyring. See DESIGN.md for why lnClient is expected to be
// lightning.NewMock() in this build: no LND client library is available
// in the reference corpus this module was grounded on.
func New(cfg *config.Config, kr *keys.Keyring, lnClient lightning.Client) (*Node, error) {
	store, err := storage.Open(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	runner := compute.NewRunner()
	transport := relay.NewWebsocketTransport(cfg.Relays)

	sub, err := oracle.NewSubsystem(context.Background(), store, kr.OracleKey)
	if err != nil {
		return nil, err
	}

	coordinator := NewCoordinator(store, runner, sub, transport, lnClient, cfg, kr.ServerKey)
	settlement := NewSettlement(store, runner, transport, lnClient, kr.ServerKey)
	sched := scheduler.New(store, runner, sub, transport, func(ev *nostr.Event) error {
		return ev.Sign(kr.ServerKey)
	})
	limiter := ratelimit.New(time.Minute, cfg.RateLimitPerMinute)

	publishStartupEvents(context.Background(), transport, kr, cfg)

	return &Node{
		store:       store,
		transport:   transport,
		coordinator: coordinator,
		settlement:  settlement,
		scheduler:   sched,
		limiter:     limiter,
	}, nil
}

// Run starts the subscription loop and the Settlement and Scheduler
// background loops, blocking until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	events, err := n.transport.Subscribe(ctx, []int{nostr.KindJobRequest}, time.Now())
	if err != nil {
		return err
	}

	go n.settlement.Run(ctx)
	go n.scheduler.Run(ctx)

	log.Info().Msg("node: subscribed to job requests, coordinator running")

	for {
		select {
		case <-ctx.Done():
			return n.transport.Close()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !n.limiter.Allow(ev.PubKey) {
				log.Debug().Str("pubkey", ev.PubKey).Msg("node: rate limit exceeded, dropping request")
				continue
			}
			go n.coordinator.HandleRequest(ctx, ev)
		}
	}
}

// Close releases the underlying storage handle. Call after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}

// Store returns the storage handle Node was constructed with, so the HTTP
// API server can share it rather than opening a second handle onto the
// same Badger directory.
func (n *Node) Store() storage.Store {
	return n.store
}
