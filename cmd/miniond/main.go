// miniond runs one agent's daemon: poll loop, provider turns, and HP
// telemetry. It is normally started by `minion spawn-party` or
// `minion recruit`, not by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/contracts"
	"github.com/ai-janitor/minion-factory/internal/daemon"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/flow"
	"github.com/ai-janitor/minion-factory/internal/lifecycle"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/monitoring"
	"github.com/ai-janitor/minion-factory/internal/provider"
	"github.com/ai-janitor/minion-factory/internal/registry"
	"github.com/ai-janitor/minion-factory/internal/tasks"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		agent        = flag.String("agent", "", "agent name")
		class        = flag.String("class", string(model.ClassCoder), "agent class")
		modelName    = flag.String("model", "", "model identifier")
		providerName = flag.String("provider", "", "provider (default claude)")
		verbose      = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()
	if *agent == "" {
		fmt.Fprintln(os.Stderr, "usage: miniond --agent <name> [--class <class>] [--model <id>]")
		return 1
	}
	if !model.Class(*class).Valid() {
		fmt.Fprintf(os.Stderr, "unknown class %q\n", *class)
		return 1
	}

	logCfg := zap.NewProductionConfig()
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := contracts.LoadOverrides(config.DefaultConfig(), filepath.Join(config.DefaultConfig().DocsDir, "config.yaml"))
	if err != nil {
		log.Error("config overrides", zap.Error(err))
		return 1
	}
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("open datastore", zap.Error(err))
		return 1
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		log.Error("apply migrations", zap.Error(err))
		return 1
	}
	flows, err := flow.Load(cfg.FlowsDir())
	if err != nil {
		log.Error("load flows", zap.Error(err))
		return 1
	}
	prov, err := provider.Get(*providerName)
	if err != nil {
		log.Error("resolve provider", zap.Error(err))
		return 1
	}
	markers, err := contracts.CompactionMarkers(cfg.CompactionMarkersFile())
	if err != nil {
		log.Error("load compaction markers", zap.Error(err))
		return 1
	}

	messaging := comms.New(store, cfg)
	claims := filesafety.New(store)
	roster := registry.New(store, cfg)

	d := daemon.New(daemon.Options{
		Agent:     *agent,
		Class:     model.Class(*class),
		ModelName: *modelName,
		Store:     store,
		Config:    cfg,
		Comms:     messaging,
		Tasks:     tasks.New(store, cfg, flows),
		Lifecycle: lifecycle.New(store, cfg, messaging, claims),
		Monitor:   monitoring.New(store, cfg, messaging, roster, claims),
		Provider:  prov,

		CompactionMarkers: markers,
		Log:               log,
	})

	switch err := d.Run(ctx); {
	case errors.Is(err, daemon.ErrShutdown):
		return 3
	case errors.Is(err, context.Canceled):
		return 0
	case err != nil:
		log.Error("daemon exited", zap.Error(err))
		return 1
	}
	return 0
}
