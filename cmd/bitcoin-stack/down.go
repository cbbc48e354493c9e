package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop all services in reverse dependency order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if daemonUp() {
			if err := postDown(); err != nil {
				return err
			}
			fmt.Println("stack stopped")
			return nil
		}
		// No daemon answering: fall back to the recorded PIDs.
		log.Debug().Msg("no daemon on control address, stopping from snapshot")
		if err := stack.StopFromSnapshot(flagDataDir); err != nil {
			return err
		}
		fmt.Println("stack stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downCmd)
}
