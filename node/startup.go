package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/keys"
	"github.com/obscura-network/obscura-dvm/nostr"
	"github.com/obscura-network/obscura-dvm/relay"
)

// metadata is the NIP-01 kind:0 content shape: just the fields this
// service actually has an opinion about.
type metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Lud16       string `json:"lud16"`
}

// serviceAdKind is the NIP-90 job-request kind this service advertises
// itself as a handler for in its kind:31990 service ad.
const serviceAdKind = "5600"

// serviceAdIdentifier is the "d" tag on the service-ad event. It only
// needs to be unique per pubkey, not globally, since kind:31990 is an
// addressable (replaceable) event.
const serviceAdIdentifier = "obscura-dvm"

// publishStartupEvents emits the kind:0 metadata and kind:31990 service-ad
// events once, the first time this keyring is ever used, per spec.md §6.
// Idempotency is tracked on the keyring itself (kind0/kind31990 in
// keys.json) rather than by querying relays, since relay visibility of a
// past publish is not guaranteed.
func publishStartupEvents(ctx context.Context, transport relay.Transport, kr *keys.Keyring, cfg *config.Config) {
	if kr.Kind0 == nil {
		ev, err := buildKind0(kr, cfg)
		if err != nil {
			log.Error().Err(err).Msg("node: failed to build metadata event")
		} else if err := transport.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Msg("node: failed to publish metadata event")
		} else if err := kr.MarkKind0Published(ev); err != nil {
			log.Error().Err(err).Msg("node: failed to persist metadata publish state")
		} else {
			log.Info().Str("event_id", ev.ID).Msg("node: published kind:0 metadata")
		}
	}

	if kr.Kind31990 == nil && kr.Kind0 != nil {
		ev, err := buildKind31990(kr)
		if err != nil {
			log.Error().Err(err).Msg("node: failed to build service-ad event")
		} else if err := transport.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Msg("node: failed to publish service-ad event")
		} else if err := kr.MarkKind31990Published(ev); err != nil {
			log.Error().Err(err).Msg("node: failed to persist service-ad publish state")
		} else {
			log.Info().Str("event_id", ev.ID).Msg("node: published kind:31990 service ad")
		}
	}
}

func buildKind0(kr *keys.Keyring, cfg *config.Config) (nostr.Event, error) {
	md := metadata{
		Name:        "Obscura DVM",
		DisplayName: "obscura_dvm",
		Lud16:       fmt.Sprintf("_@%s", cfg.Domain),
	}
	content, err := json.Marshal(md)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("node: encode metadata: %w", err)
	}
	ev := nostr.Event{Kind: nostr.KindMetadata, Content: string(content), CreatedAt: time.Now().Unix()}
	if err := ev.Sign(kr.ServerKey); err != nil {
		return nostr.Event{}, fmt.Errorf("node: sign metadata event: %w", err)
	}
	return ev, nil
}

func buildKind31990(kr *keys.Keyring) (nostr.Event, error) {
	ev := nostr.Event{
		Kind: nostr.KindServiceAd,
		Tags: nostr.Tags{
			{"k", serviceAdKind},
			{"d", serviceAdIdentifier},
		},
		Content:   kr.Kind0.Content,
		CreatedAt: time.Now().Unix(),
	}
	if err := ev.Sign(kr.ServerKey); err != nil {
		return nostr.Event{}, fmt.Errorf("node: sign service-ad event: %w", err)
	}
	return ev, nil
}
