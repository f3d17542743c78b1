package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connectivity and credentials for both instances",
		RunE:  runTest,
	}
}

func runTest(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	cloud, local, err := newClients(logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	cloudOK := cloud.TestConnection(ctx)
	localOK := local.TestConnection(ctx)

	report := func(name string, ok bool) {
		state := "OK"
		if !ok {
			state = "FAILED"
		}

		fmt.Printf("%-6s %s\n", name, state)
	}

	report("cloud", cloudOK)
	report("local", localOK)

	if !cloudOK || !localOK {
		return errors.New("connection test failed")
	}

	return nil
}
