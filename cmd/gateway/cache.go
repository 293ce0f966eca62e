package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/config"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, c cache.Store) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Backend: %s\nEntries: %d\nBytes:   %d\nTTL:     %s\n",
					stats.Backend, stats.Entries, stats.ApproxBytes, stats.DefaultTTL)
				return nil
			})
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, c cache.Store) error {
				if expiredOnly {
					sw, ok := c.(cache.Sweeper)
					if !ok {
						return fmt.Errorf("backend expires entries on its own")
					}
					fmt.Printf("%d expired cache entries cleared.\n", sw.Sweep(ctx))
					return nil
				}
				if err := c.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("All cache entries cleared.")
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

// withCache opens the configured cache backend for a one-shot command. The
// in-memory backend lives inside the server process, so it cannot be reached.
func withCache(ctx context.Context, fn func(ctx context.Context, c cache.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.CacheBackend == "memory" || cfg.CacheBackend == "none" {
		return fmt.Errorf("cache backend %q is process-local; use the /v1/cache endpoints of a running server", cfg.CacheBackend)
	}

	b, err := openBackends(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b.cache)
}
