package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/easynet-cn/batata-sub002/internal/config"
	"github.com/easynet-cn/batata-sub002/internal/seed"
	"github.com/easynet-cn/batata-sub002/internal/server"
	"github.com/easynet-cn/batata-sub002/internal/telemetry"
)

var (
	configFile   string
	seedFile     string
	topologyFile string
	otlpEndpoint string
)

var rootCmd = &cobra.Command{
	Use:   "batata-server",
	Short: "batata-server runs a single clustered config/naming node",
	RunE:  runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file (viper-loaded)")
	flags.StringVar(&seedFile, "seed", "", "path to a TOML bootstrap fixture applied before accepting client traffic")
	flags.StringVar(&topologyFile, "topology", "", "path to a YAML peer roster (address/weight/raft_port) applied before the first gossip round")
	flags.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP metrics endpoint (stdout export if empty)")
	flags.String("node-id", "", "override node_id")
	flags.String("listen-addr", "", "override listen_addr")
	flags.String("data-dir", "", "override data_dir")
	flags.String("backend", "", "override backend (memory|mysql|raft)")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loader, err := config.New(boundFlags(cmd.Flags()), configFile)
	if err != nil {
		return fmt.Errorf("batata-server: load config: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("batata-server: materialize config: %w", err)
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "batata-server",
		NodeID:       cfg.NodeID,
		OTLPEndpoint: otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("batata-server: telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tel.Shutdown(shutdownCtx)
	}()

	srv, err := server.New(ctx, cfg, tel, loader)
	if err != nil {
		return fmt.Errorf("batata-server: build server: %w", err)
	}
	defer srv.Shutdown()

	if topologyFile != "" {
		topo, err := config.LoadTopology(topologyFile)
		if err != nil {
			return fmt.Errorf("batata-server: load topology file %s: %w", topologyFile, err)
		}
		srv.SeedTopology(topo)
		telemetry.Logf("info", "batata-server: applied topology file %s (%d peers)", topologyFile, len(topo.Peers))
	}

	if seedFile != "" {
		f, err := seed.Load(seedFile)
		if err != nil {
			return fmt.Errorf("batata-server: load seed file %s: %w", seedFile, err)
		}
		if err := srv.ApplySeed(ctx, f); err != nil {
			return fmt.Errorf("batata-server: apply seed file %s: %w", seedFile, err)
		}
		telemetry.Logf("info", "batata-server: applied seed file %s", seedFile)
	}

	telemetry.Logf("info", "batata-server: node %s listening on %s", cfg.NodeID, cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("batata-server: run: %w", err)
	}
	return nil
}

// boundFlags returns only the flags config.New should bind to viper: the
// node_id/listen_addr/data_dir/backend overrides, keyed the way
// internal/config's viper keys expect. --config, --seed and --otlp-endpoint
// are this binary's own concerns, not viper-backed Config fields.
func boundFlags(flags *pflag.FlagSet) *pflag.FlagSet {
	bound := pflag.NewFlagSet("batata-server", pflag.ContinueOnError)
	for _, name := range []string{"node-id", "listen-addr", "data-dir", "backend"} {
		f := flags.Lookup(name)
		if f == nil || f.Value.String() == "" {
			continue
		}
		viperName := viperKey(name)
		bound.String(viperName, f.Value.String(), f.Usage)
	}
	return bound
}

func viperKey(flagName string) string {
	switch flagName {
	case "node-id":
		return "node_id"
	case "listen-addr":
		return "listen_addr"
	case "data-dir":
		return "data_dir"
	default:
		return flagName
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
