package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plcforge/edgevault/pkg/journal"
)

func newEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the runtime's recent event journal",
		Long: `Events prints the runtime journal newest first: update lifecycle
transitions, boot scans, watchdog timeouts and invariant violations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsCmd(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "How many events to show.")
	return cmd
}

func runEventsCmd(limit int) error {
	var evs []journal.Event
	if err := getJSON(fmt.Sprintf("/v1/events?limit=%d", limit), &evs); err != nil {
		return err
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Seq", "Time", "Kind", "Agent", "Bank", "Detail"})
	for _, ev := range evs {
		detail := ev.Detail
		if ev.Kind == journal.KindInvariantViolation {
			detail = fmt.Sprintf("rule %d observed %g", ev.Rule, ev.Value)
		}
		agent := ev.Agent
		if ev.Version != "" {
			agent = fmt.Sprintf("%s %s", ev.Agent, ev.Version)
		}
		t.AppendRow(table.Row{
			ev.Seq,
			ev.Time.UTC().Format(time.RFC3339),
			string(ev.Kind),
			agent,
			ev.Bank,
			detail,
		})
	}
	fmt.Println(t.Render())
	return nil
}
