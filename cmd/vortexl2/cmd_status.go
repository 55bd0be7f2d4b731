package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe observed tunnel and forward state",
	Long: `Probe every configured tunnel's live state and report which forward
rules the active proxy configuration actually serves. Read-only: no
tunnel or proxy state is modified.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the report as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	engine, _, err := newEngine(store)
	if err != nil {
		return err
	}

	report, err := engine.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	report.Render(os.Stdout)
	return nil
}
