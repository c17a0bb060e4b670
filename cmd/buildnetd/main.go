package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/buildnet/buildnet/pkg/archiver"
	"github.com/buildnet/buildnet/pkg/artifact"
	"github.com/buildnet/buildnet/pkg/config"
	"github.com/buildnet/buildnet/pkg/events"
	"github.com/buildnet/buildnet/pkg/executor"
	"github.com/buildnet/buildnet/pkg/hasher"
	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/network"
	"github.com/buildnet/buildnet/pkg/reconciler"
	"github.com/buildnet/buildnet/pkg/scheduler"
	"github.com/buildnet/buildnet/pkg/state"
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
	Use:     "buildnetd",
	Short:   "buildnetd runs a BuildNet peer node",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bootstrap this node and join the cluster",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("config", "./buildnet.yaml", "path to the node's bootstrap config file")
	runCmd.Flags().String("node-id", "", "override the configured node_id")
	runCmd.Flags().String("listen-addr", "", "override the configured listen_addr")
	runCmd.Flags().String("log-level", "", "override the configured log level")
}

// runNode wires the node's components leaves-first: identity, then the
// State/Artifact/Ledger stores, then the Executor/Hasher, then the
// Scheduler and Peer Network, then the Reconciler. Teardown happens in
// reverse via the deferred closes.
func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.NodeID)

	id, err := identity.LoadOrGenerate(filepath.Join(cfg.DataDir, "identity.json"), cfg.NodeID)
	if err != nil {
		return fmt.Errorf("buildnetd: load identity: %w", err)
	}

	st, err := state.NewBoltStore(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("buildnetd: open state store: %w", err)
	}
	defer st.Close()

	art, err := artifact.Open(filepath.Join(cfg.DataDir, "artifacts"), archiver.New(), artifact.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("buildnetd: open artifact store: %w", err)
	}
	defer art.Close()

	ldg, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("buildnetd: open ledger store: %w", err)
	}
	defer ldg.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	netCfg := network.DefaultConfig(cfg.ListenAddr)
	if cfg.Discovery.LocalBroadcast != nil {
		netCfg.LocalBroadcast = &network.LocalBroadcastConfig{
			Port:     cfg.Discovery.LocalBroadcast.Port,
			Interval: cfg.Discovery.LocalBroadcast.Interval,
		}
	}
	netCfg.Bootstrap = cfg.Discovery.Bootstrap
	if cfg.Discovery.CentralRegistry != nil {
		netCfg.CentralRegistry = &network.CentralRegistryConfig{
			URL:      cfg.Discovery.CentralRegistry.URL,
			Interval: cfg.Discovery.CentralRegistry.Interval,
		}
	}
	netCfg.Name = cfg.Name
	netCfg.Version = Version
	netCfg.Capabilities = cfg.Capabilities
	net := network.New(id, cfg.ListenAddr, ldg, netCfg)

	schedCfg := scheduler.DefaultConfig(cfg.DataDir)
	if cfg.Scheduler.MaxConcurrentBuilds > 0 {
		schedCfg.MaxConcurrentBuilds = cfg.Scheduler.MaxConcurrentBuilds
	}
	if cfg.Scheduler.LockTTL > 0 {
		schedCfg.LockTTL = cfg.Scheduler.LockTTL
	}
	schedCfg.BuildTimeout = cfg.Scheduler.BuildTimeout
	schedCfg.ForwardToLeader = cfg.Scheduler.ForwardToLeader

	sched := scheduler.New(id, hasher.New(), st, art, &executor.LocalExecutor{}, ldg, broker, net, schedCfg)
	sched.RegisterWithNetwork()

	rec := reconciler.New(st, net.Registry, art, ldg, reconciler.Config{
		Interval:        cfg.Reconciler.Interval,
		PeerTimeout:     cfg.Reconciler.PeerTimeout,
		LedgerRetention: cfg.Reconciler.LedgerRetention,
	})
	rec.Start()
	defer rec.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := net.Start(ctx); err != nil {
		return fmt.Errorf("buildnetd: start network: %w", err)
	}
	defer net.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("state-store", true, "")
	metrics.RegisterComponent("ledger", true, "")
	metrics.RegisterComponent("network", true, "")

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("buildnetd: metrics server stopped")
			}
		}()
	}

	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("buildnetd: node started")

	if cfg.PackagesFile != "" {
		pkgs, err := config.LoadPackages(cfg.PackagesFile)
		if err != nil {
			logger.Warn().Err(err).Msg("buildnetd: failed to load package manifest")
		} else {
			logger.Info().Int("package_count", len(pkgs)).Msg("buildnetd: package manifest loaded")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("buildnetd: shutting down")
	return nil
}
