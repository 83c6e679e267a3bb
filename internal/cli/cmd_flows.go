package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func (a *App) flowCommands() []*cobra.Command {
	list := &cobra.Command{
		Use:   "list-flows",
		Short: "List available task flow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-flows"); err != nil {
				return err
			}
			return a.printJSON(a.flows.Names())
		},
	}

	show := &cobra.Command{
		Use:   "show-flow <name>",
		Short: "Show the merged stages of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("show-flow"); err != nil {
				return err
			}
			f, err := a.flows.Get(args[0])
			if err != nil {
				return err
			}
			return a.printJSON(f)
		},
	}

	next := &cobra.Command{
		Use:   "next-status <id>",
		Short: "Resolve the legal next stages for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("next-status"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			current, targets, err := a.tasks.NextStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"task": id, "current": current, "next": targets})
		},
	}

	transition := &cobra.Command{
		Use:   "transition <id> <to>",
		Short: "Force a flow transition (the edge must still exist)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("transition"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := a.tasks.Transition(cmd.Context(), id, a.caller, args[1], time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}

	return []*cobra.Command{list, show, next, transition}
}
