package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/dispatcher/wire"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/security"
	"github.com/cuemby/orbital/pkg/server"
	"github.com/cuemby/orbital/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orbital-server",
	Short:   "orbital-server runs the cluster's authoritative desired-state store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orbital-server version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(runCmd, tokenCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	runCmd.Flags().String("config", "/etc/orbital/server.yaml", "path to the server config file")
}

var tokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Mint a join token agents can present on connect",
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		gate := security.NewTokenGate()
		jt, err := gate.Generate(ttl)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		fmt.Println(jt.Token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token validity duration")
}

func runServer(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	registry := dispatcher.NewAgentRegistry()
	state, err := server.New(store, registry)
	if err != nil {
		return fmt.Errorf("failed to build server state: %w", err)
	}

	tokens := security.NewTokenGate()
	if cfg.JoinToken != "" {
		tokens.Adopt(cfg.JoinToken, 365*24*time.Hour)
	}

	wireServer := wire.NewServer(state, registry, tokens)
	cert, peerCAs, err := wire.LoadIdentity(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return err
	}

	go cleanupTokensLoop(tokens)

	errCh := make(chan error, 1)
	go func() { errCh <- wireServer.Listen(cfg.BindAddr, cert, peerCAs) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Logger.Info().Str("signal", s.String()).Msg("shutting down")
		wireServer.Stop()
		return nil
	}
}

func cleanupTokensLoop(tokens *security.TokenGate) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		tokens.CleanupExpired()
	}
}
