// Command policygate-inspector reads the audit sink's SQLite database
// and reports, tails, or resets recorded admission decisions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivermint/policygate/sinks/audit"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "policygate-inspector",
		Short: "Inspect policygate's audit trail",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "policygate-audit.db", "path to the audit sink's SQLite database")

	root.AddCommand(reportCmd(), tailCmd(), resetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openSink() (*audit.Sink, error) {
	return audit.Open(dbPath)
}
