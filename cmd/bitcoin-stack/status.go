package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
	"github.com/ooeygg/bitcoin-docker/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the runtime state of every service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var snap state.Snapshot
		if daemonUp() {
			if err := apiGet("/v1/stack/status", &snap); err != nil {
				return err
			}
		} else {
			var err error
			snap, err = stack.LoadSnapshot(flagDataDir)
			if err != nil {
				return fmt.Errorf("no daemon running and no snapshot: %w", err)
			}
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		fmt.Printf("stack: %s  status: %s\n", snap.Stack, snap.Status)
		if snap.Error != "" {
			fmt.Printf("error: %s\n", snap.Error)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tPID\tRESTARTS\tHEALTH")
		for _, svc := range snap.Services {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", svc.Name, svc.State, svc.PID, svc.Restarts, svc.LastHealth)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
