package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <product-id>",
	Short: "Print the recorded event history of an auction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		events, err := rt.ledger.History(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "maximum number of events")
	rootCmd.AddCommand(historyCmd)
}
