package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusLogTail is how many recent audit rows the status command prints.
const statusLogTail = 10

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, conflicts, and recent sync activity",
		RunE:  runStatusCmd,
	}
}

func runStatusCmd(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	pending, processing, err := store.CountEvents(ctx)
	if err != nil {
		return fmt.Errorf("counting queued events: %w", err)
	}

	conflicts, err := store.ListUnresolvedConflicts(ctx)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	fmt.Printf("Event queue:          %d pending, %d processing\n", pending, processing)
	fmt.Printf("Unresolved conflicts: %d\n", len(conflicts))

	logs, err := store.ListLogs(ctx, statusLogTail)
	if err != nil {
		return fmt.Errorf("listing sync logs: %w", err)
	}

	if len(logs) == 0 {
		fmt.Println("\nNo sync activity recorded.")
		return nil
	}

	fmt.Println("\nRecent activity:")

	for _, entry := range logs {
		ts := time.Unix(0, entry.Timestamp).UTC().Format(time.RFC3339)
		fmt.Printf("  %s  %-8s %-14s %s/%s: %s\n",
			ts, entry.Status, entry.Direction, entry.Doctype, entry.Docname, entry.Message)
	}

	return nil
}
