package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	daemonMode bool
)

// main 是应用程序的主入口
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "shopflowd")
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "shopflowd",
		Short:         "Body shop capacity ledger and stage workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")
	rootCmd.AddCommand(newServeCmd(logger), newReportCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("命令执行失败", "error", err)
		os.Exit(1)
	}
}
