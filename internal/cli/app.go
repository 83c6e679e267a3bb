// Package cli is the minion command surface. Every command resolves the
// caller's identity, passes the authorization gate for its class, and
// prints JSON so agents can parse the output.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/auth"
	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/contracts"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/flow"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/monitoring"
	"github.com/ai-janitor/minion-factory/internal/registry"
	"github.com/ai-janitor/minion-factory/internal/tasks"
	"github.com/ai-janitor/minion-factory/internal/warroom"
)

// Exit codes. Shutdown is distinct so supervising loops can tell "stop
// polling" from "something broke".
const (
	ExitOK           = 0
	ExitError        = 1
	ExitPrecondition = 2
	ExitShutdown     = 3
	ExitDenied       = 4
)

// errShutdown marks a poll that observed a stand-down or retire signal.
var errShutdown = errors.New("shutdown signaled")

type App struct {
	out    io.Writer
	errOut io.Writer

	cfg     config.Config
	store   *db.Store
	flows   *flow.Registry
	roster  *registry.Service
	comms   *comms.Service
	tasks   *tasks.Service
	claims  *filesafety.Service
	war     *warroom.Service
	life    *lifecycle.Service
	monitor *monitoring.Service

	// Caller identity, resolved once per invocation.
	caller    string
	class     model.Class
	transport model.Transport

	agentFlag string
}

func NewApp(out, errOut io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &App{out: out, errOut: errOut}
}

// Execute runs one command and maps the error to an exit code.
func (a *App) Execute(ctx context.Context, args []string) int {
	root := a.Root()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.store != nil {
		a.store.Close() //nolint:errcheck
	}
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errShutdown):
		return ExitShutdown
	default:
		fmt.Fprintf(a.errOut, "error: %v\n", err)
		var authzErr *model.AuthzError
		if errors.As(err, &authzErr) {
			return ExitDenied
		}
		if model.IsPrecondition(err, "") {
			return ExitPrecondition
		}
		return ExitError
	}
}

func (a *App) Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "minion",
		Short: "Multi-agent coordination kernel",
		Long: `minion coordinates a party of AI agents over a shared SQLite
datastore: gated messaging, a flow-driven task board, file claims, and
daemon lifecycle control.

The caller's identity comes from --agent (or ` + config.EnvAgent + `), its
class from the registry or ` + config.EnvClass + `. Output is JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.agentFlag, "agent", "", "acting agent name (default $"+config.EnvAgent+")")

	root.AddCommand(a.agentCommands()...)
	root.AddCommand(a.commsCommands()...)
	root.AddCommand(a.taskCommands()...)
	root.AddCommand(a.flowCommands()...)
	root.AddCommand(a.fileCommands()...)
	root.AddCommand(a.warroomCommands()...)
	root.AddCommand(a.lifecycleCommands()...)
	root.AddCommand(a.monitoringCommands()...)
	return root
}

func (a *App) setup(ctx context.Context) error {
	cfg, err := contracts.LoadOverrides(config.DefaultConfig(), filepath.Join(config.DefaultConfig().DocsDir, "config.yaml"))
	if err != nil {
		return err
	}
	a.cfg = cfg

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return err
	}
	a.store = store

	a.flows, err = flow.Load(cfg.FlowsDir())
	if err != nil {
		return err
	}
	a.roster = registry.New(store, cfg)
	a.comms = comms.New(store, cfg)
	a.tasks = tasks.New(store, cfg, a.flows)
	a.claims = filesafety.New(store)
	a.war = warroom.New(store, cfg)
	a.life = lifecycle.New(store, cfg, a.comms, a.claims)
	a.monitor = monitoring.New(store, cfg, a.comms, a.roster, a.claims)

	a.caller = a.agentFlag
	if a.caller == "" {
		a.caller = os.Getenv(config.EnvAgent)
	}
	if a.caller == "" {
		a.caller = "operator"
	}
	// A registered caller's class wins over the environment; the registry
	// is the source of truth once an agent exists.
	agent, err := store.GetAgent(ctx, a.caller)
	switch {
	case errors.Is(err, db.ErrNotFound):
		a.class = config.CallerClass()
		a.transport = model.TransportTerminal
	case err != nil:
		return err
	default:
		a.class = agent.Class
		a.transport = agent.Transport
	}
	return nil
}

// gate authorizes a command for the caller. Daemon-transport callers get
// the hp_write grant; it is never part of a class.
func (a *App) gate(command string) error {
	var grants []model.Capability
	if a.transport == model.TransportDaemon {
		grants = append(grants, model.CapHPWrite)
	}
	return auth.Authorize(a.class, command, grants...)
}

func (a *App) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

// bodyArg reads a text payload: positional args joined, or stdin via "-".
func bodyArg(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	out := ""
	for i, arg := range args {
		if i > 0 {
			out += " "
		}
		out += arg
	}
	return out, nil
}
