package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/auth"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/provider"
	"github.com/ai-janitor/minion-factory/internal/trigger"
)

func (a *App) agentCommands() []*cobra.Command {
	var (
		regClass     string
		regModel     string
		regTransport string
	)
	register := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an agent into the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("register"); err != nil {
				return err
			}
			class := model.Class(regClass)
			if regClass == "" {
				class = a.class
			}
			now := time.Now().UTC()
			if err := a.roster.Register(cmd.Context(), args[0], class, regModel, model.Transport(regTransport), now); err != nil {
				return err
			}
			// Onboarding payload: the command surface and the codebook, so
			// a fresh agent needs no other reading to participate.
			return a.printJSON(map[string]any{
				"agent":    args[0],
				"class":    class,
				"tools":    auth.ToolsForClass(class),
				"triggers": trigger.All(),
			})
		},
	}
	register.Flags().StringVar(&regClass, "class", "", "agent class (default: caller's class)")
	register.Flags().StringVar(&regModel, "model", "", "model identifier")
	register.Flags().StringVar(&regTransport, "transport", string(model.TransportTerminal), "terminal or daemon")

	deregister := &cobra.Command{
		Use:   "deregister <name>",
		Short: "Remove an agent from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("deregister"); err != nil {
				return err
			}
			if err := a.roster.Deregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"deregistered": args[0]})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename an agent, moving its assignments and pending mail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("rename"); err != nil {
				return err
			}
			if err := a.roster.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"renamed": args[0], "to": args[1]})
		},
	}

	who := &cobra.Command{
		Use:   "who",
		Short: "List all registered agents with liveness and HP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("who"); err != nil {
				return err
			}
			views, err := a.roster.Who(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(views)
		},
	}

	var (
		ctxSummary string
		ctxUsed    int64
		ctxLimit   int64
		ctxHPPct   int
	)
	setContext := &cobra.Command{
		Use:   "set-context",
		Short: "Refresh your context summary; HP fields switch you to self-reported mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("set-context"); err != nil {
				return err
			}
			update := db.ContextUpdate{Name: a.caller, Summary: ctxSummary, Now: time.Now().UTC()}
			if cmd.Flags().Changed("tokens-used") {
				update.TokensUsed = &ctxUsed
			}
			if cmd.Flags().Changed("tokens-limit") {
				update.TokensLimit = &ctxLimit
			}
			if cmd.Flags().Changed("hp-pct") {
				update.HPPct = &ctxHPPct
			}
			if err := a.store.SetContext(cmd.Context(), update); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"agent": a.caller, "context_updated": true})
		},
	}
	setContext.Flags().StringVar(&ctxSummary, "summary", "", "what you are holding in context")
	setContext.Flags().Int64Var(&ctxUsed, "tokens-used", 0, "self-reported tokens in use")
	setContext.Flags().Int64Var(&ctxLimit, "tokens-limit", 0, "self-reported context window")
	setContext.Flags().IntVar(&ctxHPPct, "hp-pct", 0, "self-reported HP percentage")

	setStatus := &cobra.Command{
		Use:   "set-status <text>",
		Short: "Set your current status text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("set-status"); err != nil {
				return err
			}
			status, err := bodyArg(args)
			if err != nil {
				return err
			}
			if err := a.store.SetStatus(cmd.Context(), a.caller, status, time.Now().UTC()); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"agent": a.caller, "status": status})
		},
	}

	coldStart := &cobra.Command{
		Use:   "cold-start",
		Short: "Recovery briefing for a restarted agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("cold-start"); err != nil {
				return err
			}
			briefing, err := a.life.ColdStart(cmd.Context(), a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(briefing)
		},
	}

	var fenixFiles []string
	fenixDown := &cobra.Command{
		Use:   "fenix-down <manifest|->",
		Short: "Dump session knowledge before context death",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("fenix-down"); err != nil {
				return err
			}
			manifest, err := bodyArg(args)
			if err != nil {
				return err
			}
			rec, err := a.life.FenixDown(cmd.Context(), a.caller, a.class, manifest, fenixFiles, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(rec)
		},
	}
	fenixDown.Flags().StringSliceVar(&fenixFiles, "files", nil, "files in flight at time of death")

	var (
		hpInput  int64
		hpOutput int64
		hpCacheC int64
		hpCacheR int64
		hpWindow int64
	)
	updateHP := &cobra.Command{
		Use:   "update-hp",
		Short: "Write observed HP telemetry (daemon transport only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("update-hp"); err != nil {
				return err
			}
			usage := provider.Usage{
				InputTokens:         hpInput,
				OutputTokens:        hpOutput,
				CacheCreationTokens: hpCacheC,
				CacheReadTokens:     hpCacheR,
				ContextWindow:       hpWindow,
			}
			result, pct, err := a.monitor.ApplyTurnTelemetry(cmd.Context(), a.caller, usage, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"agent": a.caller, "hp_pct": pct, "skipped": result.Skipped, "alerts_fired": result.Fired})
		},
	}
	updateHP.Flags().Int64Var(&hpInput, "input", 0, "input tokens this turn")
	updateHP.Flags().Int64Var(&hpOutput, "output", 0, "output tokens this turn")
	updateHP.Flags().Int64Var(&hpCacheC, "cache-creation", 0, "cache creation tokens")
	updateHP.Flags().Int64Var(&hpCacheR, "cache-read", 0, "cache read tokens")
	updateHP.Flags().Int64Var(&hpWindow, "context-window", 0, "model context window")

	checkActivity := &cobra.Command{
		Use:   "check-activity <agent>",
		Short: "Check an agent's activity level and context age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("check-activity"); err != nil {
				return err
			}
			activity, err := a.roster.CheckActivity(cmd.Context(), args[0], time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(activity)
		},
	}

	checkFreshness := &cobra.Command{
		Use:   "check-freshness <agent> <path>...",
		Short: "Compare file mtimes against an agent's last context refresh",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("check-freshness"); err != nil {
				return err
			}
			results, err := a.roster.CheckFreshness(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return a.printJSON(results)
		},
	}

	return []*cobra.Command{register, deregister, rename, who, setContext, setStatus, coldStart, fenixDown, updateHP, checkActivity, checkFreshness}
}
