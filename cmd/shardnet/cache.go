package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/config"
)

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the shard cache",
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := cache.Open(cfg.CacheOptions())
			if err != nil {
				return err
			}
			if c, ok := store.(io.Closer); ok {
				defer c.Close()
			}
			return listCache(cmd, store)
		},
	}

	cacheCmd.AddCommand(lsCmd)
	return cacheCmd
}

func listCache(cmd *cobra.Command, store cache.Store) error {
	out := cmd.OutOrStdout()
	l, ok := store.(cache.Lister)
	if !ok {
		keys, err := store.Keys(cmd.Context())
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		fmt.Fprintf(out, "%d shards\n", len(keys))
		return nil
	}

	entries, err := l.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tCID\tSIZE\tSTORED")
	var total uint64
	for _, e := range entries {
		total += uint64(e.Size)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Hash, e.CID, humanize.Bytes(uint64(e.Size)), humanize.Time(e.StoredAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d shards, %s\n", len(entries), humanize.Bytes(total))
	return nil
}
