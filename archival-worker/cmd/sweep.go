package main

import (
	"encoding/json"

	"github.com/aaronwang/marketplace/archival-worker/internal/scheduler"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(true)
		if err != nil {
			return err
		}
		defer rt.Close()

		sweeper := scheduler.NewSweeper(rt.engine, rt.store, scheduler.Options{
			Interval:    rt.cfg.Auction.SweepInterval,
			BatchSize:   rt.cfg.Auction.SweepBatchSize,
			Concurrency: rt.cfg.Auction.SweepConcurrency,
		}, rt.metrics, rt.log)

		report, err := sweeper.RunOnce(cmd.Context())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
