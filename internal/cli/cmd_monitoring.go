package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/auth"
)

func (a *App) monitoringCommands() []*cobra.Command {
	partyStatus := &cobra.Command{
		Use:   "party-status",
		Short: "Fleet health dashboard: agents, flags, task buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("party-status"); err != nil {
				return err
			}
			status, err := a.monitor.PartyStatus(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(status)
		},
	}

	sitrep := &cobra.Command{
		Use:   "sitrep",
		Short: "Fused situation view: agents, tasks, claims, flags, plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("sitrep"); err != nil {
				return err
			}
			rep, err := a.monitor.Sitrep(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(rep)
		},
	}

	poll := &cobra.Command{
		Use:   "poll",
		Short: "One-shot heartbeat: unread mail, signals, flags",
		Long: `poll is the terminal agent's loop body. The exit code carries the
signal: 0 means content or nothing, 3 means stand down and stop polling.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("poll"); err != nil {
				return err
			}
			result, err := a.monitor.Poll(cmd.Context(), a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := a.printJSON(result); err != nil {
				return err
			}
			if result.Shutdown {
				return errShutdown
			}
			return nil
		},
	}

	listTools := &cobra.Command{
		Use:   "list-tools",
		Short: "Commands available to your class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-tools"); err != nil {
				return err
			}
			return a.printJSON(auth.ToolsForClass(a.class))
		},
	}

	return []*cobra.Command{partyStatus, sitrep, poll, listTools}
}
