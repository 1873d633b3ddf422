package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plcforge/edgevault/pkg/runtime"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the runtime's active agent and update counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusCmd()
		},
	}
}

func runStatusCmd() error {
	var stats runtime.Stats
	if err := getJSON("/v1/status", &stats); err != nil {
		return err
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	if stats.HasActive {
		t.AppendRows([]table.Row{
			{"Active agent", stats.ActiveAgent},
			{"Version", stats.ActiveVersion},
			{"Bank", stats.ActiveBank},
			{"Sequence", stats.ActiveSequence},
		})
	} else {
		t.AppendRow(table.Row{"Active agent", "none (actuation held at safe default)"})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Update attempts", stats.Updates.Attempts},
		{"Update successes", stats.Updates.Successes},
		{"Update failures", stats.Updates.Failures},
		{"Invariant violations", stats.Violations},
	})
	if stats.Updates.LastUpdateUTC != 0 {
		t.AppendRow(table.Row{"Last successful update",
			time.Unix(stats.Updates.LastUpdateUTC, 0).UTC().Format(time.RFC3339)})
	}
	fmt.Println(t.Render())
	return nil
}
