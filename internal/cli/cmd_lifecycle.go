package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
)

func (a *App) lifecycleCommands() []*cobra.Command {
	spawn := &cobra.Command{
		Use:   "spawn-party <crew>",
		Short: "Spawn daemon workers from a crew definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("spawn-party"); err != nil {
				return err
			}
			members, err := a.life.SpawnParty(cmd.Context(), a.caller, args[0], time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"lead": a.caller, "crew": args[0], "members": members})
		},
	}

	standDown := &cobra.Command{
		Use:   "stand-down",
		Short: "Dismiss the party: every daemon exits at its next poll",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("stand-down"); err != nil {
				return err
			}
			retired, err := a.life.StandDown(cmd.Context(), a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"stand_down": true, "daemons_signaled": retired})
		},
	}

	retire := &cobra.Command{
		Use:   "retire-agent <agent>",
		Short: "Signal a single daemon to exit gracefully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("retire-agent"); err != nil {
				return err
			}
			if err := a.life.Retire(cmd.Context(), args[0], a.caller, time.Now().UTC()); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"retiring": args[0]})
		},
	}

	var (
		recruitClass string
		recruitModel string
	)
	recruit := &cobra.Command{
		Use:   "recruit <name>",
		Short: "Spawn one additional daemon worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("recruit"); err != nil {
				return err
			}
			member := lifecycle.CrewMember{Name: args[0], Class: model.Class(recruitClass), Model: recruitModel}
			if !member.Class.Valid() {
				return model.Precondition(model.RuleWorkerClassMismatch, "unknown class "+recruitClass, "")
			}
			if err := a.life.Recruit(cmd.Context(), member, time.Now().UTC()); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"recruited": member.Name, "class": member.Class})
		},
	}
	recruit.Flags().StringVar(&recruitClass, "class", string(model.ClassCoder), "worker class")
	recruit.Flags().StringVar(&recruitModel, "model", "", "model identifier")

	var (
		zoneName string
		zoneRole string
	)
	handOff := &cobra.Command{
		Use:   "hand-off-zone <to>",
		Short: "Hand zone ownership to another agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("hand-off-zone"); err != nil {
				return err
			}
			if err := a.life.HandOffZone(cmd.Context(), a.caller, args[0], zoneName, zoneRole, time.Now().UTC()); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"zone": zoneName, "from": a.caller, "to": args[0]})
		},
	}
	handOff.Flags().StringVar(&zoneName, "zone", "", "zone being handed off")
	handOff.Flags().StringVar(&zoneRole, "role", "", "role the receiver takes in the zone")
	handOff.MarkFlagRequired("zone") //nolint:errcheck

	interrupt := &cobra.Command{
		Use:   "interrupt <agent>",
		Short: "Hold an agent's daemon at its next poll boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("interrupt"); err != nil {
				return err
			}
			if err := a.store.RequestInterrupt(cmd.Context(), args[0], a.caller, time.Now().UTC()); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"interrupted": args[0]})
		},
	}

	var resumeMessage string
	resume := &cobra.Command{
		Use:   "resume <agent>",
		Short: "Unblock an interrupted agent, optionally with a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("resume"); err != nil {
				return err
			}
			if err := a.store.ResumeAgent(cmd.Context(), args[0], resumeMessage); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"resumed": args[0]})
		},
	}
	resume.Flags().StringVar(&resumeMessage, "message", "", "delivered to the agent on its next poll")

	listCrews := &cobra.Command{
		Use:   "list-crews",
		Short: "List available crew definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-crews"); err != nil {
				return err
			}
			crews, err := a.life.LoadCrews()
			if err != nil {
				return err
			}
			return a.printJSON(crews)
		},
	}

	return []*cobra.Command{spawn, standDown, retire, recruit, handOff, interrupt, resume, listCrews}
}
