package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geotrack/internal/config"
	"geotrack/internal/db"
	"geotrack/internal/server"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	logger          slog.Logger
	loadConfig      func() (config.Server, error)
	connectPostgres func(context.Context, config.Server) (*pgxpool.Pool, error)
	migrate         func(context.Context, db.Querier) error
	connectRedis    func(config.Server) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, slog.Logger, config.Server, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		logger:          slog.Make(sloghuman.Sink(os.Stderr)),
		loadConfig:      config.LoadServer,
		connectPostgres: db.ConnectPostgres,
		migrate:         db.Migrate,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	ctx := context.Background()
	logger := deps.logger

	cfg, err := deps.loadConfig()
	if err != nil {
		logger.Error(ctx, "load config", slog.Error(err))
		return
	}

	pg, err := deps.connectPostgres(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "postgres connection failed", slog.Error(err))
	} else if err := deps.migrate(ctx, pg); err != nil {
		logger.Error(ctx, "schema migration failed", slog.Error(err))
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(ctx, logger, cfg, pg, rdb, signals, nil); err != nil {
		logger.Error(ctx, "server exited with error", slog.Error(err))
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals.
func Run(ctx context.Context, logger slog.Logger, cfg config.Server, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	var querier db.Querier
	if pg != nil {
		querier = pg
	}
	srv, err := server.NewServer(cfg, querier, rdb, logger)
	if err != nil {
		return xerrors.Errorf("build server: %w", err)
	}
	defer srv.Close()

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.Port)
	}()
	logger.Info(ctx, "listening", slog.F("addr", cfg.Port))

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	srv.Close()
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}
