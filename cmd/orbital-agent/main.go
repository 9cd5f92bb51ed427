package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/orbital/pkg/agent"
	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/dispatcher/wire"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/runtime"
	"github.com/cuemby/orbital/pkg/types"
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
	Use:     "orbital-agent",
	Short:   "orbital-agent runs workloads assigned to this node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orbital-agent version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "/etc/orbital/agent.yaml", "path to the agent config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runAgent(configPath)
	},
}

func runAgent(configPath string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	sender := dispatcher.NewAgentServerSender()
	core := agent.New(cfg.AgentName, adapter, cfg.Policy, sender)

	cert, serverCA, err := wire.LoadIdentity(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return err
	}
	conn, err := wire.Dial(cfg.ServerAddr, cert, serverCA)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := wire.NewAgentClient(core, sender, cfg.JoinToken, func() types.AgentAttributes {
		return core.Attributes(cfg.Labels)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go core.RunHeartbeat(ctx, 5*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx, cfg.AgentName, conn) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Logger.Info().Str("signal", s.String()).Msg("shutting down")
		core.StopHeartbeat()
		cancel()
		return nil
	}
}

func buildAdapter(cfg *config.AgentConfig) (runtime.Adapter, error) {
	switch cfg.RuntimeKind {
	case "containerd":
		socket := cfg.RuntimeSocket
		if socket == "" {
			socket = "/run/containerd/containerd.sock"
		}
		return runtime.NewContainerdAdapter(socket, cfg.Policy.ListingMaxAge)

	case "cli":
		binary := cfg.RuntimeSocket
		if binary == "" {
			binary = "podman"
		}
		return runtime.NewCLIAdapter(binary, cfg.Policy.ListingMaxAge), nil

	default:
		return nil, fmt.Errorf("unknown runtimeKind %q, want \"cli\" or \"containerd\"", cfg.RuntimeKind)
	}
}
