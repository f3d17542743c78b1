package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		RunE:  runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	conflicts, err := store.ListUnresolvedConflicts(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	fmt.Printf("%d unresolved conflicts:\n\n", len(conflicts))

	for _, c := range conflicts {
		fmt.Printf("  #%d %s/%s\n", c.ID, c.Doctype, c.Docname)
		fmt.Printf("      detected: %s\n", formatNanos(&c.CreatedAt))
		fmt.Printf("      cloud modified: %s\n", formatNanos(c.CloudModified))
		fmt.Printf("      local modified: %s\n", formatNanos(c.LocalModified))
	}

	return nil
}

// formatNanos renders a nullable Unix-nanosecond timestamp.
func formatNanos(v *int64) string {
	if v == nil {
		return "(unknown)"
	}

	return time.Unix(0, *v).UTC().Format(time.RFC3339)
}
