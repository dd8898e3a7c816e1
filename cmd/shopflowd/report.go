package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"shopflow/internal/config"
	"shopflow/internal/types"
)

func newReportCmd(logger *slog.Logger) *cobra.Command {
	var shopID, from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a utilization report computed from the write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(types.DateLayout, from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			end := start.AddDate(0, 0, 6)
			if to != "" {
				if end, err = time.Parse(types.DateLayout, to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			cfg, err := config.NewLoader(configPath, logger).Load()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.reporter.Report(cmd.Context(), shopID, start, end)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&shopID, "shop", "", "shop id")
	cmd.Flags().StringVar(&from, "from", time.Now().Format(types.DateLayout), "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD), defaults to from + 6 days")
	_ = cmd.MarkFlagRequired("shop")
	return cmd
}
