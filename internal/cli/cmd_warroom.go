package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
)

func (a *App) warroomCommands() []*cobra.Command {
	setPlan := &cobra.Command{
		Use:   "set-plan <plan text|->",
		Short: "Set the active battle plan, superseding the previous one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("set-plan"); err != nil {
				return err
			}
			body, err := bodyArg(args)
			if err != nil {
				return err
			}
			plan, err := a.war.SetPlan(cmd.Context(), a.caller, body, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(plan)
		},
	}

	var planAll bool
	getPlan := &cobra.Command{
		Use:   "get-plan",
		Short: "Show the active battle plan (or --all for history)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("get-plan"); err != nil {
				return err
			}
			if planAll {
				plans, err := a.war.Plans(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(plans)
			}
			view, err := a.war.ActivePlan(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(view)
		},
	}
	getPlan.Flags().BoolVar(&planAll, "all", false, "list all plans for the project")

	updatePlanStatus := &cobra.Command{
		Use:   "update-plan-status <id> <status>",
		Short: "Update a battle plan's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("update-plan-status"); err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			if err := a.war.UpdatePlanStatus(cmd.Context(), id, model.PlanStatus(args[1])); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"plan": id, "status": args[1]})
		},
	}

	var logPriority string
	logCmd := &cobra.Command{
		Use:   "log <entry|->",
		Short: "Append an entry to the raid log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("log"); err != nil {
				return err
			}
			body, err := bodyArg(args)
			if err != nil {
				return err
			}
			priority := model.LogPriority(logPriority)
			if !priority.Valid() {
				return model.Precondition(model.RuleInvalidTransition,
					"priority must be low, normal, high, or critical", "")
			}
			id, err := a.war.Log(cmd.Context(), a.caller, body, priority, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"entry": id, "priority": priority})
		},
	}
	logCmd.Flags().StringVar(&logPriority, "priority", string(model.PriorityNormal), "low, normal, high, or critical")

	var (
		getLogAgent    string
		getLogPriority string
		getLogLimit    int
	)
	getLog := &cobra.Command{
		Use:   "get-log",
		Short: "Read the raid log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("get-log"); err != nil {
				return err
			}
			views, err := a.war.GetLog(cmd.Context(), db.LogFilter{
				Agent:    getLogAgent,
				Priority: model.LogPriority(getLogPriority),
				Limit:    getLogLimit,
			})
			if err != nil {
				return err
			}
			return a.printJSON(views)
		},
	}
	getLog.Flags().StringVar(&getLogAgent, "from", "", "filter by author")
	getLog.Flags().StringVar(&getLogPriority, "priority", "", "filter by priority")
	getLog.Flags().IntVar(&getLogLimit, "limit", 0, "max entries (default 50)")

	return []*cobra.Command{setPlan, getPlan, updatePlanStatus, logCmd, getLog}
}
