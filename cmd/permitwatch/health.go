package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/ternarybob/permitwatch/internal/app"
	"github.com/ternarybob/permitwatch/internal/models"
)

func healthCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Fetch backend health once and print it",
		Long:  `Fetches the backend health resource once. Exits 1 when the backend is down or unreachable.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, flags, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot as JSON")
	return cmd
}

func runHealth(cmd *cobra.Command, flags *globalFlags, asJSON bool) error {
	config, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	client := app.NewClient(config.Backend, logger)
	snap, err := client.FetchHealth(cmd.Context())
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		printHealth(out, snap)
	}

	if snap.Status.Normalize() == models.HealthDown {
		return fmt.Errorf("backend is down")
	}
	return nil
}

func printHealth(out io.Writer, snap *models.HealthSnapshot) {
	fmt.Fprintf(out, "status: %s (up %ds)\n", snap.Status.Normalize(), snap.UptimeSeconds)

	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := snap.Components[name]
		fmt.Fprintf(out, "  %-20s %-9s %-8s %s\n", name, c.Status.Normalize(), c.Priority, c.Message)
	}
}
