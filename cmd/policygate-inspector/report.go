package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize decision counts by plan, endpoint, and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := openSink()
			if err != nil {
				return err
			}
			defer sink.Close()

			rows, err := sink.Report(context.Background(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events in window")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-24s %-20s %s\n", "PLAN", "ENDPOINT", "TYPE", "COUNT")
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-24s %-20s %d\n", r.Plan, r.Endpoint, r.Type, r.Count)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
