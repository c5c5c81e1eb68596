package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/config"
	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/handlers"
	"github.com/openfroyo/pilot/pkg/knowledge"
	"github.com/openfroyo/pilot/pkg/oracle"
	"github.com/openfroyo/pilot/pkg/orchestrator"
	"github.com/openfroyo/pilot/pkg/policy"
	"github.com/openfroyo/pilot/pkg/stores"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var errStoreDisabled = errors.New("the task store is disabled in the configuration")

// app holds the components a command needs. Commands open only what they
// use; close releases whatever was opened.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	inst   engine.Instruments
	logger zerolog.Logger

	store        *stores.SQLiteStore
	policy       *policy.Engine
	registry     *handlers.Registry
	oracles      *oracle.Set
	knowledge    *knowledge.Store
	planner      *engine.Planner
	runner       *engine.Runner
	orchestrator *orchestrator.Orchestrator
}

// loadApp reads the configuration and starts telemetry.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger := tel.Logger
	return &app{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		inst: engine.Instruments{
			Logger:  logger,
			Metrics: tel.Metrics,
			Events:  tel.Events,
			Tracer:  tel.Tracer,
		},
	}, nil
}

// openStore opens and migrates the SQLite journal and subscribes it to the
// event stream.
func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if !a.cfg.Store.Enabled {
		return errStoreDisabled
	}

	store, err := stores.NewSQLiteStore(a.cfg.Store.Config)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	a.tel.Events.Subscribe(store.EventSubscriber(context.WithoutCancel(ctx)), nil)
	a.logger.Debug().Str("path", a.cfg.Store.Path).Msg("task store opened")
	return nil
}

// openPolicy loads the policy engine and starts watching policy files.
func (a *app) openPolicy(ctx context.Context) error {
	if a.policy != nil || !a.cfg.Policy.Enabled {
		return nil
	}
	eng, err := policy.NewEngine(ctx, a.cfg.Policy, a.inst)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if a.cfg.Policy.Watch {
		if err := eng.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("policy watch unavailable")
		}
	}
	a.policy = eng
	return nil
}

// openPlanner builds the handlers, oracles and planner.
func (a *app) openPlanner(ctx context.Context) error {
	if a.planner != nil {
		return nil
	}
	registry, err := handlers.NewRegistry(a.cfg.Handlers, a.logger)
	if err != nil {
		return err
	}
	a.registry = registry

	// File steps default to the handler root when no roots are configured.
	if len(a.cfg.Policy.AllowedRoots) == 0 && registry.FileRoot() != "" {
		a.cfg.Policy.AllowedRoots = []string{registry.FileRoot()}
	}
	if err := a.openPolicy(ctx); err != nil {
		return err
	}

	model, err := oracle.NewModel(a.cfg.Oracle)
	if err != nil {
		a.logger.Warn().Err(err).Msg("language model unavailable, planning with keyword fallback")
		model = nil
	}
	a.oracles = oracle.NewSet(model, a.cfg.Oracle, a.logger)

	providers := append([]engine.ContextProvider{registry}, a.oracles.Providers...)
	a.planner = engine.NewPlanner(a.oracles.ReasoningOracle(), a.cfg.Planner.Engine(), a.inst, providers...)
	return nil
}

// openOrchestrator wires the full execution path.
func (a *app) openOrchestrator(ctx context.Context) error {
	if a.orchestrator != nil {
		return nil
	}
	if a.cfg.Store.Enabled {
		if err := a.openStore(ctx); err != nil {
			return err
		}
	}
	if err := a.openPlanner(ctx); err != nil {
		return err
	}

	var guard engine.StepGuard
	if a.policy != nil {
		guard = a.policy
	}
	executor := engine.NewExecutor(a.registry.Handlers(), a.cfg.Executor.Engine(), guard, a.inst)
	verifier := engine.NewVerifier(a.oracles.PerceptionOracle(), a.cfg.Verifier.Timeout, a.inst)
	a.runner = engine.NewRunner(a.planner, executor, verifier, a.cfg.Runner.Engine(), a.inst)

	var (
		sink    knowledge.Sink
		journal orchestrator.Journal
	)
	if a.store != nil {
		sink = a.store
		journal = a.store
	}
	a.knowledge = knowledge.NewStore(a.cfg.Knowledge, sink, a.logger)
	a.orchestrator = orchestrator.New(a.runner, a.knowledge, journal, a.cfg.Orchestrator, a.inst)
	return nil
}

// close shuts components down in reverse order of opening.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("orchestrator shutdown incomplete")
		}
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.policy != nil {
		_ = a.policy.Close()
	}
	// Events drain into the store, so telemetry stops first.
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown incomplete")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close task store")
		}
	}
}
