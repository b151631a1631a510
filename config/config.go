// Package config resolves process configuration from flags, environment
// (DVM_-prefixed), and an optional TOML file, in that precedence order —
// the same cobra+viper combination this codebase already depended on, now
// actually wired together.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved process configuration.
type Config struct {
	StorageDir  string
	DataDir     string
	Relays      []string
	LNHost      string
	LNPort      int
	LNNetwork   string
	LNTLSCert   string
	LNMacaroon  string
	Domain      string
	BindAddr    string
	PricePerMs  int64 // msats per millisecond of wasm execution time
	RateLimitPerMinute int
}

// BindFlags registers every configuration flag on fs (the cobra command's
// flag set) and binds each to its DVM_-prefixed environment variable.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("storage-dir", "./data/badger", "badger database directory")
	fs.String("data-dir", "./data", "directory for keys.json and other process state")
	fs.StringSlice("relay", []string{"wss://relay.damus.io"}, "relay URL to connect to (repeatable)")
	fs.String("ln-host", "localhost", "lightning node RPC host")
	fs.Int("ln-port", 10009, "lightning node RPC port")
	fs.String("ln-network", "mainnet", "lightning network (mainnet, testnet, regtest)")
	fs.String("ln-tls-cert", "", "path to the lightning node's TLS certificate")
	fs.String("ln-macaroon", "", "path to the lightning node's macaroon")
	fs.String("domain", "localhost", "public domain this service is reachable at")
	fs.String("bind-addr", ":8080", "address the HTTP API binds to")
	fs.Int64("price-per-ms", 1, "msats charged per millisecond of requested execution time")
	fs.Int("rate-limit-per-minute", 60, "max job requests accepted per author pubkey per minute")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}
	return nil
}

// Load resolves the final Config from v, which must already have had
// BindFlags applied and, optionally, a config file set via SetConfigFile.
// Load itself sets the DVM_ env prefix and enables AutomaticEnv.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("dvm")
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		StorageDir:         v.GetString("storage-dir"),
		DataDir:            v.GetString("data-dir"),
		Relays:             v.GetStringSlice("relay"),
		LNHost:             v.GetString("ln-host"),
		LNPort:             v.GetInt("ln-port"),
		LNNetwork:          v.GetString("ln-network"),
		LNTLSCert:          v.GetString("ln-tls-cert"),
		LNMacaroon:         v.GetString("ln-macaroon"),
		Domain:             v.GetString("domain"),
		BindAddr:           v.GetString("bind-addr"),
		PricePerMs:         v.GetInt64("price-per-ms"),
		RateLimitPerMinute: v.GetInt("rate-limit-per-minute"),
	}

	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("config: at least one --relay is required")
	}
	if cfg.PricePerMs < 0 {
		return nil, fmt.Errorf("config: price-per-ms must be non-negative")
	}
	return cfg, nil
}

// PriceForMs computes the msat price of an execution-time request,
// matching the Job Coordinator's pricing rule (spec.md §4.1).
func (c *Config) PriceForMs(ms int64) int64 {
	return c.PricePerMs * ms
}

// LNMaxExpiry is the upper bound this service will ever request on an
// invoice it asks the Lightning node to create.
const LNMaxExpiry = 24 * time.Hour
