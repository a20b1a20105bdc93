// Package app is the composition root of the bucketkeeper daemon: it opens
// the database, builds every component around one event bus and exposes
// them through the command router.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dmitrijs2005/bucketkeeper/internal/accounts"
	"github.com/dmitrijs2005/bucketkeeper/internal/auth"
	"github.com/dmitrijs2005/bucketkeeper/internal/cache"
	"github.com/dmitrijs2005/bucketkeeper/internal/config"
	"github.com/dmitrijs2005/bucketkeeper/internal/database"
	"github.com/dmitrijs2005/bucketkeeper/internal/download"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/rpc"
	"github.com/dmitrijs2005/bucketkeeper/internal/settings"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage"
	"github.com/dmitrijs2005/bucketkeeper/internal/syncer"
	"github.com/dmitrijs2005/bucketkeeper/internal/transfer"
	"github.com/dmitrijs2005/bucketkeeper/internal/upload"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	bus         *events.Bus
	registry    *storage.Registry
	cache       *cache.Store
	invalidator *cache.Invalidator
	syncer      *syncer.Syncer
	uploads     *upload.Manager
	moves       *transfer.Queue
	downloads   *download.Manager
	vault       *accounts.Vault
	router      *rpc.Router
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	db, err := database.InitDatabase(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	return newApp(c, db, storage.DefaultRegistry(), logger), nil
}

func newApp(c *config.Config, db *sql.DB, reg *storage.Registry, logger logging.Logger) *App {
	bus := events.NewBus()
	store := cache.NewStore(db)
	inv := cache.NewInvalidator(store, bus, logger)

	reg.SetUploader(upload.NewEngine(upload.Options{
		MultipartThreshold: c.MultipartThreshold,
		PartSize:           c.PartSize,
		Concurrency:        c.PartConcurrency,
		CheckpointInterval: c.CheckpointInterval,
	}, upload.NewSQLiteSessionRepository(db), logger))

	vault := accounts.NewVault(accounts.NewSQLiteRepository(db), settings.NewSQLiteRepository(db), logger)

	app := &App{
		config:      c,
		logger:      logger,
		db:          db,
		bus:         bus,
		registry:    reg,
		cache:       store,
		invalidator: inv,
		syncer:      syncer.New(reg, store, bus, logger),
		uploads:     upload.NewManager(reg, inv, bus, logger),
		moves: transfer.NewQueue(transfer.NewSQLiteRepository(db), reg, vault, inv, bus, logger, transfer.Options{
			MaxConcurrent:    c.MaxConcurrentMoves,
			TempDir:          filepath.Join(c.TempDir, "moves"),
			CleanupAttempts:  c.CleanupAttempts,
			ProgressInterval: c.ProgressInterval,
		}),
		downloads: download.NewManager(download.NewSQLiteRepository(db), reg, vault, bus, logger),
		vault:     vault,
		router:    rpc.NewRouter(),
	}
	app.registerCommands()
	return app
}

// Router exposes the registered commands.
func (app *App) Router() *rpc.Router { return app.router }

func (app *App) Bus() *events.Bus { return app.bus }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// writeToken stores a fresh session token for the CLI.
func (app *App) writeToken() error {
	if app.config.TokenFile == "" {
		return nil
	}
	tok, err := auth.GenerateToken("cli", []byte(app.config.TokenSecret), app.config.TokenTTL)
	if err != nil {
		return err
	}
	if err := os.WriteFile(app.config.TokenFile, []byte(tok+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Recover reloads persisted move and download tasks.
func (app *App) Recover(ctx context.Context) error {
	if err := app.moves.Recover(ctx); err != nil {
		return fmt.Errorf("recover moves: %w", err)
	}
	if err := app.downloads.Recover(ctx); err != nil {
		return fmt.Errorf("recover downloads: %w", err)
	}
	return nil
}

// Run serves commands until a signal arrives or ctx ends, then shuts every
// component down.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.Close()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	if err := app.Recover(ctx); err != nil {
		return err
	}
	if err := app.writeToken(); err != nil {
		return err
	}

	srv := rpc.NewServer(app.config.ListenAddr, app.router, app.bus, app.logger, app.config.TokenSecret)
	if err := srv.Run(ctx); err != nil {
		app.logger.Error(ctx, "command server failed", "error", err)
		return err
	}
	app.logger.Info(ctx, "Stopped")
	return nil
}

// Close stops background work; running moves return to pending.
func (app *App) Close() {
	app.moves.Close()
	app.downloads.Close()
	app.uploads.Close()
	app.vault.Lock()
	if err := app.db.Close(); err != nil {
		app.logger.Warn(context.Background(), "db close failed", "error", err)
	}
}
