package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/certs"
	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

var certStatusCmd = &cobra.Command{
	Use:   "cert-status [domain]",
	Short: "Show certificate state for the configured domains",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		man, err := manifest.Load(flagManifest)
		if err != nil {
			return err
		}
		dir := man.TLS.StorageDir
		if dir == "" {
			dir = filepath.Join(flagDataDir, "certs")
		}
		store, err := certs.OpenStore(dir)
		if err != nil {
			return err
		}

		var records []certs.Record
		if len(args) == 1 {
			rec, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("no record for domain %q", args[0])
			}
			records = []certs.Record{rec}
		} else {
			records = store.List()
		}
		if len(records) == 0 {
			fmt.Println("no certificates tracked")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tSTATUS\tEXPIRES\tLAST ERROR")
		for _, rec := range records {
			expires := "-"
			if !rec.ExpiresAt.IsZero() {
				expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
			}
			lastErr := rec.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Domain, rec.Status, expires, lastErr)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(certStatusCmd)
}
