package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent recorded decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := openSink()
			if err != nil {
				return err
			}
			defer sink.Close()

			recs, err := sink.Tail(context.Background(), n)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  user=%s plan=%s endpoint=%s type=%s\n",
					time.Unix(r.Timestamp, 0).Format(time.RFC3339), r.User, r.Plan, r.Endpoint, r.Type)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records to show")
	return cmd
}
