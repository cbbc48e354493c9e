package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every service immediately and report the results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := stack.New(stackOptions())
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		results := s.HealthCheck(ctx)

		targets := make(map[string]string, len(results))
		for _, spec := range s.Probes() {
			targets[spec.Name] = fmt.Sprintf("%s %s", spec.Kind, spec.Target)
		}

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tPROBE\tHEALTHY\tDIAGNOSTIC")
		for _, name := range names {
			res := results[name]
			diag := res.Diag
			if res.OK && diag == "" {
				diag = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, targets[name], res.OK, diag)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
