package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/umbravault/internal/catalog"
	"github.com/jkaninda/umbravault/internal/config"
	"github.com/jkaninda/umbravault/internal/llm"
	"github.com/jkaninda/umbravault/internal/llm/openai"
	"github.com/jkaninda/umbravault/internal/observability"
	"github.com/jkaninda/umbravault/internal/report"
	"github.com/jkaninda/umbravault/internal/sandbox"
	"github.com/jkaninda/umbravault/internal/scan"
	"github.com/jkaninda/umbravault/internal/storage"
	pgstore "github.com/jkaninda/umbravault/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/umbravault/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Catalog  *catalog.Catalog
	Selector *catalog.Selector
	Executor *sandbox.Executor
	Runner   sandbox.Runner // Executor, instrumented when metrics are on.
	Store    storage.Store  // nil = storage.driver "none".
	Recorder *report.Recorder
	Pipeline *scan.Pipeline

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger returns a JSON logger for long-running modes and a text logger
// for interactive ones.
func newLogger(jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig reads the config file. A missing default file is not an error:
// the built-in defaults are used instead.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := goutils.Env("UMBRAVAULT_CONFIG", configPath)
	if path == "" {
		// An exported but empty UMBRAVAULT_CONFIG means unset.
		path = configPath
	}
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		logger.Debug("config loaded", slog.String("path", path))
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		logger.Debug("no config file, using defaults", slog.String("path", path))
		return config.Default()
	}
	return nil, err
}

// initShared performs the initialization shared by all commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts ...scan.Option) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Tool catalog.
	cat, loadResult := catalog.NewLoader(logger).LoadDirs(cfg.AllToolsPaths()...)
	for _, le := range loadResult.Errors {
		logger.Warn("skipped tool definitions", slog.String("file", le.File), slog.String("error", le.Message))
	}
	sc.Catalog = cat

	sc.Selector = catalog.NewSelector(cat, catalog.SelectorConfig{
		Mappings:     cfg.Catalog.TaskMappings(),
		DefaultTools: cfg.Catalog.Defaults(),
		MaxTools:     cfg.Catalog.Limit(),
	}, newSuggester(cfg, obs, logger), logger)

	// Sandbox.
	sc.Executor = initExecutor(cfg, logger)
	logger.Debug("sandbox initialized",
		slog.Any("strategies", sc.Executor.Strategies()),
		slog.String("timeout", sc.Executor.Timeout().String()),
	)
	var runner sandbox.Runner = sc.Executor
	if obs != nil && obs.Metrics != nil {
		runner = observability.NewInstrumentedExecutor(sc.Executor, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Runner = runner

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("report store initialized", slog.String("driver", store.Driver()))
	}

	// Report sinks: the file sink always, the store when configured.
	sinks := []report.Sink{report.NewFileSink(cfg.ResolvedLogsPath(), logger)}
	if sc.Store != nil {
		sinks = append(sinks, report.NewStoreSink(sc.Store.Reports()))
	}
	sc.Recorder = report.NewRecorder(logger, sinks...)

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			obs.Health.AddCheck("database", sc.Store.Ping)
		}
		if cfg.Observability.Health.IncludeSandbox {
			obs.Health.AddCheck("sandbox", sc.Executor.Probe)
		}
	}

	pipelineOpts := []scan.Option{}
	if obs != nil {
		pipelineOpts = append(pipelineOpts, scan.WithMetrics(obs.MetricsOrNil()), scan.WithTracer(obs.TracerOrNil()))
	}
	pipelineOpts = append(pipelineOpts, opts...)
	sc.Pipeline = scan.NewPipeline(sc.Selector, sc.Runner, sc.Recorder, logger, pipelineOpts...)

	return sc, nil
}

// newSuggester returns the LLM tool suggester, or nil when suggestions are off.
func newSuggester(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) catalog.Suggester {
	sug := cfg.Suggestion
	if sug == nil || !sug.Enabled {
		return nil
	}
	var provider llm.Provider = openai.NewClient(
		goutils.Env("UMBRAVAULT_SUGGESTION_API_KEY", sug.APIKey),
		sug.ModelName(),
		logger,
		openai.WithBaseURL(sug.Endpoint()),
	)
	if obs != nil && obs.Metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	logger.Debug("tool suggestion enabled",
		slog.String("endpoint", sug.Endpoint()),
		slog.String("model", sug.ModelName()),
	)
	return catalog.NewLLMSuggester(provider, sug.Timeout(), logger)
}

func initExecutor(cfg *config.Config, logger *slog.Logger) *sandbox.Executor {
	sb := cfg.Sandbox
	chain := sandbox.BuildChain(sandbox.ChainConfig{
		Isolation:        sb.IsEnabled(),
		RequireIsolation: sb.RequireIsolation,
		UseSDK:           sb.Docker.UseSDK(),
		UseCLI:           sb.Docker.UseCLI(),
		Container: sandbox.ContainerConfig{
			Image:       sb.ImageName(),
			Shell:       sb.ShellArgv(),
			NetworkMode: sb.Network(),
			MemoryMB:    sb.Memory(),
		},
		Host:         sb.Docker.Host,
		FallbackHost: sb.Docker.Fallback(),
		CLIBinary:    sb.Docker.Binary(),
	}, logger)
	return sandbox.NewExecutor(sandbox.ExecutorConfig{
		Timeout: sb.Timeout(),
		Env:     sb.Env,
	}, logger, chain...)
}

// initStore opens the configured report store. It returns nil for driver "none".
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverNone:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or UMBRAVAULT_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
