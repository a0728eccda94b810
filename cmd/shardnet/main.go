// Package main provides the shardnet node daemon and maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/shardnet/internal/config"
	"github.com/spacedatanetwork/shardnet/internal/node"
)

var log = logging.Logger("shardnet")

var (
	configPath string
	debug      bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shardnet",
		Short: "Shardnet - tagged shard forwarding node",
		Long: `Shardnet moves opaque, tag-addressed shards between peers over a fast
lane and a fallback lane, deduplicating by content hash and ranking
publishers with a local Web-of-Trust.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logging.SetAllLoggers(logging.LevelDebug)
			} else {
				logging.SetAllLoggers(logging.LevelInfo)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the shardnet node",
		RunE:  runDaemon,
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration",
		RunE:  runInit,
	}

	rootCmd.AddCommand(daemonCmd, initCmd, newTagCmd(), newWoTCmd(), newCacheCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}

	log.Infof("Shardnet node started")
	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.ListenAddrs() {
		log.Infof("Listening on: %s/p2p/%s", addr, n.PeerID())
	}
	if cfg.Metrics.Enabled {
		log.Infof("Metrics on http://%s/metrics", cfg.Metrics.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized at %s\n", path)
	return nil
}
