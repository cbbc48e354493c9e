package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <service>",
	Short: "Clear a failed service so it becomes eligible to start again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !daemonUp() {
			return fmt.Errorf("no daemon answering on %s", flagHTTPAddr)
		}
		if err := apiPost("/v1/services/" + args[0] + ":reset"); err != nil {
			return err
		}
		fmt.Printf("%s reset to pending\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
