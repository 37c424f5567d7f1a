package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genrelay/pkg/cache"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/store"
)

func newCacheCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear persisted responses and queued requests",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persisted cache and offline queue sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openConfiguredStore(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			entries, err := store.CountPrefix(cmd.Context(), st, cache.PersistPrefix)
			if err != nil {
				return err
			}
			queued, err := store.CountPrefix(cmd.Context(), st, offline.PersistPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached responses: %d\nQueued requests:  %d\n", entries, queued)
			return nil
		},
	}

	var (
		expiredOnly  bool
		includeQueue bool
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear persisted cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openConfiguredStore(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			prefixes := []string{cache.PersistPrefix}
			if includeQueue {
				prefixes = append(prefixes, offline.PersistPrefix)
			}
			var removed int64
			for _, prefix := range prefixes {
				n, err := store.ClearPrefix(cmd.Context(), st, prefix, expiredOnly)
				if err != nil {
					return err
				}
				removed += n
			}
			if expiredOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "Expired entries cleared: %d\n", removed)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Entries cleared: %d\n", removed)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")
	clearCmd.Flags().BoolVar(&includeQueue, "queue", false, "also drop requests queued while offline")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func openConfiguredStore(ctx context.Context, gf *globalFlags) (store.Store, error) {
	cfg, _, err := gf.load()
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("persistence is disabled (store.driver is %q)", cfg.Store.Driver)
	}
	return st, nil
}
