package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Validate the manifest, credentials and binary versions without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := stack.New(stackOptions())
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Init(cmd.Context()); err != nil {
			return err
		}
		stages, err := s.Plan()
		if err != nil {
			return err
		}
		fmt.Printf("%s: configuration valid, %d services in %d stages\n",
			s.Manifest().Stack.Name, len(s.Manifest().Services), len(stages))
		for i, stage := range stages {
			fmt.Printf("  stage %d: %v\n", i, stage)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
