package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/trigger"
)

func (a *App) commsCommands() []*cobra.Command {
	var sendTo string
	send := &cobra.Command{
		Use:   "send --to <agent|class|all> <body|->",
		Short: "Send a message to an agent, a class, or everyone",
		Long: `Sends pass a gate chain: no unread mail, an active battle plan,
fresh context, and no moon_crash (unless you are the lead). Content
containing fenix_down bypasses every gate.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("send"); err != nil {
				return err
			}
			body, err := bodyArg(args)
			if err != nil {
				return err
			}
			outcome, err := a.comms.Send(cmd.Context(), a.caller, a.class, sendTo, body, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"message_ids": outcome.Result.MessageIDs,
				"recipients":  outcome.Result.Recipients,
				"cc_lead":     outcome.Result.CCLead,
				"triggers":    outcome.Triggers,
				"bypassed":    outcome.Bypassed,
			})
		},
	}
	send.Flags().StringVar(&sendTo, "to", "", "recipient: agent name, class name, or all")
	send.MarkFlagRequired("to") //nolint:errcheck

	checkInbox := &cobra.Command{
		Use:   "check-inbox",
		Short: "Read and clear your unread messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("check-inbox"); err != nil {
				return err
			}
			items, err := a.comms.CheckInbox(cmd.Context(), a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(items)
		},
	}

	purge := &cobra.Command{
		Use:   "purge-inbox",
		Short: "Delete old read messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("purge-inbox"); err != nil {
				return err
			}
			purged, err := a.comms.Purge(cmd.Context(), a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"purged": purged})
		},
	}

	var historyLimit int
	history := &cobra.Command{
		Use:   "get-history",
		Short: "Recent messages across all agents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("get-history"); err != nil {
				return err
			}
			items, err := a.comms.History(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			return a.printJSON(items)
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 50, "max messages")

	listTriggers := &cobra.Command{
		Use:   "list-triggers",
		Short: "The trigger word codebook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-triggers"); err != nil {
				return err
			}
			return a.printJSON(trigger.All())
		},
	}

	clearMoonCrash := &cobra.Command{
		Use:   "clear-moon-crash",
		Short: "Clear the emergency flag and resume assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("clear-moon-crash"); err != nil {
				return err
			}
			cleared, err := a.comms.ClearMoonCrash(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"cleared": cleared})
		},
	}

	return []*cobra.Command{send, checkInbox, purge, history, listTriggers, clearMoonCrash}
}
