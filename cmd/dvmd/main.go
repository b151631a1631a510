// Command dvmd runs the Data Vending Machine: the Nostr job coordinator,
// payment settlement loop, scheduler, and small HTTP API, wired from
// flags/env/config file via package config.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/obscura-network/obscura-dvm/config"
	"github.com/obscura-network/obscura-dvm/httpapi"
	"github.com/obscura-network/obscura-dvm/keys"
	"github.com/obscura-network/obscura-dvm/lightning"
	"github.com/obscura-network/obscura-dvm/node"
	"github.com/obscura-network/obscura-dvm/nostr"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dvmd",
	Short: "dvmd runs a Data Vending Machine node",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DVM node and its HTTP API",
	RunE:  runStart,
}

func init() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("dvmd: no .env file found, using environment defaults")
	}

	startCmd.Flags().StringVar(&cfgFile, "config", "", "path to a TOML config file")
	if err := config.BindFlags(startCmd.Flags(), viper.GetViper()); err != nil {
		log.Fatal().Err(err).Msg("dvmd: failed to register flags")
	}
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("dvmd: %w", err)
	}

	kr, err := keys.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("dvmd: load keyring: %w", err)
	}

	// No LND/CLN gRPC client library is present anywhere in this module's
	// dependency corpus, so this build wires the in-process mock client in
	// its place. See DESIGN.md.
	lnClient := lightning.NewMock()

	n, err := node.New(cfg, kr, lnClient)
	if err != nil {
		return fmt.Errorf("dvmd: construct node: %w", err)
	}
	defer n.Close()

	serverPubHex := nostr.PubKeyHex(kr.ServerKey)
	apiServer := httpapi.New(n.Store(), lnClient, cfg.Domain, serverPubHex, cfg.Relays)
	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: apiServer.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("dvmd: HTTP API starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("dvmd: HTTP API failed")
		}
	}()

	log.Info().Str("server_pubkey", serverPubHex).Msg("dvmd: node starting")
	runErr := n.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
