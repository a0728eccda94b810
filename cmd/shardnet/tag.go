package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/shardnet/internal/config"
	"github.com/spacedatanetwork/shardnet/internal/tags"
)

func newTagCmd() *cobra.Command {
	var (
		namespace uint16
		strategy  string
	)

	tagCmd := &cobra.Command{
		Use:   "tag",
		Short: "Derive feed and rendezvous tags",
	}
	tagCmd.PersistentFlags().Uint16VarP(&namespace, "namespace", "n", 0, "Tag namespace")
	tagCmd.PersistentFlags().StringVar(&strategy, "strategy", "", "Hash strategy (defaults to the configured one)")

	// deriver resolves the strategy flag against the config file and also
	// returns the configured epoch timing.
	deriver := func() (*tags.Deriver, *config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		name := cfg.Tags.Strategy
		if strategy != "" {
			name = strategy
		}
		s, err := tags.ParseStrategy(name)
		if err != nil {
			return nil, nil, err
		}
		d, err := tags.NewDeriver(s)
		if err != nil {
			return nil, nil, err
		}
		return d, cfg, nil
	}

	feedCmd := &cobra.Command{
		Use:   "feed <publisher-pubkey-hex>",
		Short: "Print the public feed tag of a publisher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := deriver()
			if err != nil {
				return err
			}
			tag, err := d.FeedTagHex(args[0], namespace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tag)
			return nil
		},
	}

	var epoch int64
	rvCmd := &cobra.Command{
		Use:   "rv <recipient-pubkey-hex>",
		Short: "Print the rendezvous tag of a recipient for one epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cfg, err := deriver()
			if err != nil {
				return err
			}
			e := epoch
			if e < 0 {
				if e, err = tags.CurrentEpoch(time.Now().Unix(), cfg.Tags.EpochSeconds); err != nil {
					return err
				}
			}
			if e > int64(^uint32(0)) {
				return fmt.Errorf("%w: %d", tags.ErrEpochOutOfRange, e)
			}
			tag, err := d.RvTagHex(args[0], uint32(e), namespace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tag)
			return nil
		},
	}
	rvCmd.Flags().Int64Var(&epoch, "epoch", -1, "Epoch number (defaults to the current epoch)")

	var at int64
	windowCmd := &cobra.Command{
		Use:   "window <recipient-pubkey-hex>",
		Short: "Print the rendezvous tags to listen on right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cfg, err := deriver()
			if err != nil {
				return err
			}
			now := at
			if now < 0 {
				now = time.Now().Unix()
			}
			out, err := d.RvTagWindowHex(args[0], now, namespace, cfg.Tags.EpochSeconds, cfg.Tags.OverlapSeconds)
			if err != nil {
				return err
			}
			for _, tag := range out {
				fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}
	windowCmd.Flags().Int64Var(&at, "at", -1, "Unix time in seconds (defaults to now)")

	tagCmd.AddCommand(feedCmd, rvCmd, windowCmd)
	return tagCmd
}
