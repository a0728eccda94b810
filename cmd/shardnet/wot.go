package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/shardnet/internal/config"
	"github.com/spacedatanetwork/shardnet/internal/wot"
)

// loadPolicy opens the trust snapshot named in the config, starting from an
// empty policy when none has been saved yet.
func loadPolicy() (*wot.Policy, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	path := cfg.WoT.SnapshotPath
	if path == "" {
		return nil, "", errors.New("wot.snapshot_path is not set")
	}
	p, err := wot.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		p, err = wot.New(cfg.WoT.Config)
	}
	if err != nil {
		return nil, "", err
	}
	return p, path, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWoTCmd() *cobra.Command {
	wotCmd := &cobra.Command{
		Use:   "wot",
		Short: "Inspect and edit the local Web-of-Trust",
	}

	// setCmd builds trust, mute and block, which share the same shape.
	setCmd := func(use, short string, add, remove func(*wot.Policy, string) error) *cobra.Command {
		var undo bool
		c := &cobra.Command{
			Use:   use + " <pubkey-hex>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, path, err := loadPolicy()
				if err != nil {
					return err
				}
				op := add
				if undo {
					op = remove
				}
				if err := op(p, args[0]); err != nil {
					return err
				}
				return p.SaveFile(path)
			},
		}
		c.Flags().BoolVar(&undo, "remove", false, "Undo instead of apply")
		return c
	}

	trustCmd := setCmd("trust", "Explicitly trust a publisher",
		(*wot.Policy).Trust, (*wot.Policy).Untrust)
	muteCmd := setCmd("mute", "Mute a publisher",
		(*wot.Policy).Mute, (*wot.Policy).Unmute)
	blockCmd := setCmd("block", "Block a publisher",
		(*wot.Policy).Block, (*wot.Policy).Unblock)

	var (
		step      int64
		unendorse bool
		now       int64
	)

	endorseCmd := &cobra.Command{
		Use:   "endorse <endorser-pubkey-hex> <publisher-pubkey-hex>",
		Short: "Record an endorsement edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, path, err := loadPolicy()
			if err != nil {
				return err
			}
			if unendorse {
				err = p.Unendorse(args[0], args[1])
			} else {
				err = p.Endorse(args[0], args[1], step)
			}
			if err != nil {
				return err
			}
			return p.SaveFile(path)
		},
	}
	endorseCmd.Flags().Int64Var(&step, "step", 0, "Logical step of the endorsement")
	endorseCmd.Flags().BoolVar(&unendorse, "remove", false, "Remove the edge instead")

	scoreCmd := &cobra.Command{
		Use:   "score <pubkey-hex>",
		Short: "Print the trust score and tier of a publisher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := loadPolicy()
			if err != nil {
				return err
			}
			score, err := p.Score(args[0], now)
			if err != nil {
				return err
			}
			tier, err := p.Classify(args[0], now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.4f %s\n", score, tier)
			return nil
		},
	}
	scoreCmd.Flags().Int64Var(&now, "now", 0, "Current logical step")

	rankCmd := &cobra.Command{
		Use:   "rank [items.json]",
		Short: "Rank a JSON array of feed items (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := loadPolicy()
			if err != nil {
				return err
			}
			r := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var items []wot.Item
			if err := json.NewDecoder(r).Decode(&items); err != nil {
				return fmt.Errorf("parse items: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), p.Rank(items, now))
		},
	}
	rankCmd.Flags().Int64Var(&now, "now", 0, "Current logical step")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Print the trust snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := loadPolicy()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p.Export())
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Replace the trust snapshot with an exported one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, path, err := loadPolicy()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var s wot.Snapshot
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := p.Import(s); err != nil {
				return err
			}
			return p.SaveFile(path)
		},
	}

	wotCmd.AddCommand(trustCmd, muteCmd, blockCmd, endorseCmd, scoreCmd, rankCmd, exportCmd, importCmd)
	return wotCmd
}
