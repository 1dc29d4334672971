package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"designsync/internal/config"
	"designsync/internal/connectivity"
	"designsync/internal/database"
	"designsync/internal/dsync"
	"designsync/internal/remote"
)

// DSyncApp is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes the services the CLI
// drives, and manages the DB and log lifecycle on Close.
type DSyncApp struct {
	cfg     *config.Config
	db      *database.SQLiteDatabase
	remote  remote.Remote
	store   *dsync.Store
	queue   *dsync.Queue
	engine  *dsync.Engine
	designs *dsync.Designs
	monitor *connectivity.Monitor
	marker  *connectivity.MarkerSource
	clock   dsync.Clock
	logger  dsync.Logger
	logFile io.Closer
	op      *Operation
}

// NewDSyncApp creates a fully wired DSyncApp from the given config.
// operation identifies the CLI command being run (e.g. "SyncNow", "AddDesign").
// The caller must call Close when done.
func NewDSyncApp(cfg *config.Config, operation string) (*DSyncApp, error) {
	clock := dsync.RealClock{}
	op := NewOperation(operation, clock.Now())

	sl, logFile, err := newLogger(cfg.LogDir, op.ID, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a, err := newDSyncApp(cfg, op, clock, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newDSyncApp(cfg *config.Config, op *Operation, clock dsync.Clock, logger dsync.Logger) (*DSyncApp, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	rem, err := remote.NewRemoteFromConfig(cfg.Remote)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating remote: %w", err)
	}

	maxRetries := cfg.Sync.MaxRetries
	if maxRetries <= 0 {
		maxRetries = dsync.DefaultMaxRetries
	}
	var backoff []time.Duration
	if len(cfg.Sync.BackoffSeconds) > 0 {
		backoff = cfg.Sync.Backoff()
	}

	ids := dsync.UUIDGenerator{}
	store := dsync.NewStore(db, clock, ids, logger)
	queue := dsync.NewQueue(db, clock, ids, logger, maxRetries)

	var marker *connectivity.MarkerSource
	online := true
	if cfg.Connectivity.MarkerFile != "" {
		marker = connectivity.NewMarkerSource(cfg.Connectivity.MarkerFile)
		online = !marker.Present()
	}
	monitor := connectivity.NewMonitor(online, logger)

	engine := dsync.NewEngine(store, queue, rem, monitor, clock, logger, backoff)
	monitor.Attach(engine)
	designs := dsync.NewDesigns(store, queue, rem, clock, logger)

	if n, err := engine.Recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovering interrupted intents: %w", err)
	} else if n > 0 {
		logger.Warn("reset interrupted intents", "count", n)
	}

	logger.Debug("operation started", "operation", op.Name)

	return &DSyncApp{
		cfg:     cfg,
		db:      db,
		remote:  rem,
		store:   store,
		queue:   queue,
		engine:  engine,
		designs: designs,
		monitor: monitor,
		marker:  marker,
		clock:   clock,
		logger:  logger,
		op:      op,
	}, nil
}

// Designs returns the design mutation and query service.
func (a *DSyncApp) Designs() *dsync.Designs { return a.designs }

// Engine returns the sync engine.
func (a *DSyncApp) Engine() *dsync.Engine { return a.engine }

// Online reports whether the device is currently considered online.
func (a *DSyncApp) Online() bool { return a.monitor.Online() }

// Sync runs one drain pass. It returns ErrReauthenticate when the server
// rejected the token.
func (a *DSyncApp) Sync(ctx context.Context) (*dsync.DrainResult, error) {
	res, err := a.engine.Sync(ctx)
	if err != nil {
		a.op.Fail()
	}
	return res, err
}

// Queue returns every intent in queue order.
func (a *DSyncApp) Queue() ([]*dsync.Intent, error) {
	return a.queue.List()
}

// History returns the most recent drain passes.
func (a *DSyncApp) History(limit int) ([]*dsync.SyncRun, error) {
	return a.db.ListSyncRuns(limit)
}

// Ping checks that the remote answers its health endpoint.
func (a *DSyncApp) Ping(ctx context.Context) error {
	return a.remote.Ping(ctx)
}

// Watch runs the connectivity monitor until ctx is cancelled. The health
// probe and the offline marker are enabled by their config settings.
func (a *DSyncApp) Watch(ctx context.Context) error {
	cc := a.cfg.Connectivity
	var sources []connectivity.Source
	if cc.ProbeIntervalSeconds > 0 {
		interval := time.Duration(cc.ProbeIntervalSeconds) * time.Second
		sources = append(sources, connectivity.NewProbeSource(a.remote, interval, 0))
	}
	if a.marker != nil {
		sources = append(sources, a.marker)
	}
	periodic := time.Duration(cc.PeriodicSeconds) * time.Second

	a.logger.Info("watching connectivity", "sources", len(sources), "periodic", periodic)
	return a.monitor.Run(ctx, periodic, sources...)
}

// Subscribe forwards sync events to l until the returned function is called.
func (a *DSyncApp) Subscribe(l dsync.Listener) func() {
	return a.engine.Subscribe(l)
}

// Close finishes the operation and closes all resources.
func (a *DSyncApp) Close() error {
	var firstErr error

	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()))

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}

	return firstErr
}

// NewDevServerLogger builds the logger used by the development server.
func NewDevServerLogger(cfg *config.Config) (dsync.Logger, io.Closer, error) {
	op := NewOperation("DevServer", time.Now())
	l, closer, err := newLogger(cfg.LogDir, op.ID, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return &slogAdapter{l: l.With(slog.String("component", "devserver"))}, closer, nil
}
