package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/config"
)

func newUsageCmd() *cobra.Command {
	var since time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show persisted usage and cost from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("POSTGRES_DSN is required for usage history")
			}

			// Only Postgres is needed here.
			cfg.RedisAddr = ""
			cfg.CacheBackend = "none"
			b, err := openBackends(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer b.Close()

			to := time.Now()
			from := to.Add(-since)
			records, err := b.billing.GetUsage(ctx, from, to)
			if err != nil {
				return err
			}
			total, err := b.billing.GetTotalCost(ctx, from, to)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"from":           from,
					"to":             to,
					"total_requests": len(records),
					"total_cost_usd": total,
					"records":        records,
				})
			}

			perModel := make(map[string]int)
			var tokens int
			for _, r := range records {
				perModel[r.Model]++
				tokens += r.InputTokens + r.OutputTokens
			}
			fmt.Printf("Window:   %s .. %s\n", from.Format(time.RFC3339), to.Format(time.RFC3339))
			fmt.Printf("Requests: %d\nTokens:   %d\nCost:     $%.4f\n", len(records), tokens, total)
			for model, n := range perModel {
				fmt.Printf("  %-32s %d\n", model, n)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to report")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
