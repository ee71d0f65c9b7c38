package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/embedding"
	"github.com/jkaninda/toolrun/internal/fetch"
	"github.com/jkaninda/toolrun/internal/ingest"
	"github.com/jkaninda/toolrun/internal/observability"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/search"
	"github.com/jkaninda/toolrun/internal/storage"
	pgstore "github.com/jkaninda/toolrun/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/toolrun/internal/storage/sqlite"
	"github.com/jkaninda/toolrun/internal/tokenizer"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/upload"
	"github.com/jkaninda/toolrun/internal/workspace"
)

// SharedComponents holds the subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store

	Obs     *observability.Observability
	Uploads *upload.Service
	Runner  sandbox.Runner
	Tools   *tools.Service

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

// sharedOptions adjusts initShared for one-shot commands.
type sharedOptions struct {
	memoryStore bool // Use a private in-memory database.
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("TOOLRUN_CONFIG", path)
	if _, err := os.Stat(resolved); os.IsNotExist(err) && resolved == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(resolved)
}

// initShared performs the initialization common to serve, run and mcp.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("creating workspace directories: %w", err)
	}
	if err := ws.CleanTmp(); err != nil {
		logger.Warn("cleaning upload temp directory", slog.String("error", err.Error()))
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage (SQLite default, PostgreSQL optional).
	var store storage.Store
	if opts.memoryStore {
		store, err = sqlitestore.Open(sqlitestore.Config{Path: sqlitestore.MemoryPath}, logger)
	} else {
		store, err = initStore(cfg, ws, logger)
	}
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
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
	obs.Health.AddCheck("storage", store.Ping)

	// Capabilities.
	tok, err := tokenizer.New(cfg.Tokenizer.Encoding)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing tokenizer: %w", err)
	}
	embedder, err := embedding.New(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Model:       cfg.Embedding.Model,
		BaseURL:     cfg.Embedding.BaseURL,
		APIKey:      cfg.Embedding.APIKey,
		Dimensions:  cfg.Embedding.Dimensions,
		QueryPrefix: cfg.Embedding.QueryPrefix,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}
	httpClient := fetch.New(fetch.Config{
		AllowPrivateNetworks: cfg.Fetch.AllowPrivateNetworks,
		AllowedDomains:       cfg.Fetch.AllowedDomains,
		MaxResponseBytes:     cfg.Fetch.MaxResponseBytes,
		Timeout:              cfg.Fetch.Timeout(),
		UserAgent:            cfg.Fetch.UserAgent,
	}, logger)

	uploads := upload.NewService(store.Uploads(), ws, cfg.Uploads.BaseURL, cfg.Uploads.MaxBytes, logger)
	sc.Uploads = uploads
	searcher := search.NewAdapter(store.Tools(), store.Uploads(), store.Fragments(), embedder, logger)
	indexer := observability.NewInstrumentedIndexer(
		ingest.NewIngester(uploads, store.Fragments(), tok, embedder, logger),
		obs.MetricsOrNil(), obs.TracerOrNil(),
	)

	// Sandbox.
	engine := sandbox.NewEngine(sandbox.Capabilities{
		HTTP:      httpClient,
		Tokenizer: tok,
		Search:    searcher,
		Uploads:   uploads,
	}, logger, sandbox.WithObserver(observability.NewCapabilityObserver(obs.MetricsOrNil())))

	obs.Health.AddCheck("sandbox", observability.SandboxCheck(engine))
	sc.Runner = engine
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		sc.Runner = observability.NewInstrumentedRunner(engine, obs.MetricsOrNil(), obs.TracerOrNil(), obs.Anomaly)
	}

	sc.Tools = tools.NewService(store, sc.Runner, logger,
		tools.WithTimeout(cfg.Sandbox.Timeout()),
		tools.WithDocuments(uploads, indexer, searcher),
	)

	logger.Debug("tool service initialized",
		slog.String("storage", store.Driver()),
		slog.String("encoding", tok.Encoding()),
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
	)
	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		PGVector:        pg.PGVector,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newLogger builds the process logger. JSON for long-running modes, text for one-shot runs.
func newLogger(json bool, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
