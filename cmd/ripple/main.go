package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sambigeara/ripple/pkg/cluster"
	"github.com/sambigeara/ripple/pkg/config"
	"github.com/sambigeara/ripple/pkg/monitoring"
	"github.com/sambigeara/ripple/pkg/observability/logging"
	"github.com/sambigeara/ripple/pkg/protocol"
	"github.com/sambigeara/ripple/pkg/server"
	"github.com/sambigeara/ripple/pkg/state"
	"github.com/sambigeara/ripple/pkg/subscription"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultDirName = ".ripple"

func main() {
	rootCmd := &cobra.Command{
		Use:          "ripple",
		Short:        "Clustered realtime messaging server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("dir", "", "Ripple state directory (default ~/"+defaultDirName+")")

	rootCmd.AddCommand(newInitCmd(), newUpCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func rippleDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := rippleDir(cmd)
			if err != nil {
				return err
			}
			cfg := &config.Config{
				ServerName:  uuid.NewString(),
				ClientAddr:  config.DefaultClientAddr,
				ClusterPort: config.DefaultClusterPort,
			}
			if err := config.Save(dir, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", filepath.Join(dir, "config.yaml"))
			return nil
		},
	}
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the server",
		Args:  cobra.NoArgs,
		RunE:  runUp,
	}
}

func runUp(cmd *cobra.Command, _ []string) error {
	dir, err := rippleDir(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	logging.Init(cfg.LogLevel)
	log := zap.S().Named("main")

	serverID := cfg.ServerName
	if serverID == "" {
		serverID = uuid.NewString()
	}

	otel.SetMeterProvider(sdkmetric.NewMeterProvider())
	monitor, err := monitoring.NewOTel()
	if err != nil {
		return err
	}

	transport, err := cluster.NewQUICTransport(serverID, cfg.ClusterListenPort(), cfg.ClusterPeers)
	if err != nil {
		return err
	}

	node := cluster.NewNode(cluster.Options{
		ServerID:       serverID,
		Transport:      transport,
		GossipInterval: cfg.Interval(),
		GossipJitter:   cfg.Jitter(),
	})

	registries := make(map[protocol.Topic]*subscription.Registry)
	for _, topic := range protocol.Topics() {
		st := state.New(string(topic), serverID, len(cfg.ClusterPeers))
		reg := subscription.New(topic, subscription.Options{
			ServerID:  serverID,
			Bridge:    st,
			Transport: node,
			Monitor:   monitor,
		})
		node.Register(topic, st, reg)
		registries[topic] = reg
	}

	srv := server.New(registries)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for _, reg := range registries {
			select {
			case <-reg.Ready():
			case <-ctx.Done():
				return
			}
		}
		log.Infow("cluster state synchronised", "server", serverID, "peers", len(cfg.ClusterPeers))
	}()

	log.Infow("starting", "server", serverID, "clientAddr", cfg.ClientListenAddr(), "clusterPort", cfg.ClusterListenPort())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx, cfg.ClientListenAddr()) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shut down")
	return nil
}
