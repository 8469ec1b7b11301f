package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gmoralespe/wagateway/internal/api"
	"github.com/gmoralespe/wagateway/internal/cache"
	"github.com/gmoralespe/wagateway/internal/config"
	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/directory"
	"github.com/gmoralespe/wagateway/internal/personalize"
	"github.com/gmoralespe/wagateway/internal/pipeline"
	"github.com/gmoralespe/wagateway/internal/repo"
	"github.com/gmoralespe/wagateway/internal/resolver"
	"github.com/gmoralespe/wagateway/internal/scheduler"
	"github.com/gmoralespe/wagateway/internal/session"
	"github.com/gmoralespe/wagateway/internal/transport"
	"github.com/gmoralespe/wagateway/internal/transport/gatewayhttp"
	"github.com/gmoralespe/wagateway/internal/transport/meow"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	users := repo.NewPostgresUserRepo(db)
	history := repo.NewPostgresHistoryRepo(db, cfg.Quota.DailyLimit)

	var runs cache.RunCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		runs = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		log.Info("run cache enabled", "addr", cfg.Redis.Address)
	}

	creds, err := credstore.New(cfg.Session.CredentialRoot)
	if err != nil {
		return err
	}

	var factory session.TransportFactory
	switch cfg.Session.Backend {
	case "gateway":
		factory = func(tenantID string) (transport.Transport, error) {
			return gatewayhttp.New(cfg.Session.GatewayURL, tenantID, log), nil
		}
	default:
		factory = func(tenantID string) (transport.Transport, error) {
			return meow.New(tenantID, creds, log), nil
		}
	}

	registry := session.NewRegistry(factory, creds, log)
	log.Info("session backend ready", "backend", cfg.Session.Backend)

	pipe := pipeline.New(
		resolver.New(resolver.DefaultPrefixes(), cfg.Session.NumberSuffix),
		personalize.New(nil),
		log,
	)

	var dir *directory.Client
	if cfg.Directory.URL != "" {
		dir = directory.NewClient(cfg.Directory.URL, cfg.Directory.Token, log)
	}

	reaper, err := scheduler.New("session-reaper", cfg.Session.ReapInterval, func(ctx context.Context) {
		if n := registry.ReapIdle(ctx, cfg.Session.IdleTTL); n > 0 {
			log.Info("reaped idle sessions", "count", n)
		}
	})
	if err != nil {
		return err
	}
	reaper.Start()
	defer reaper.Stop()

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(auth, users, history, registry, pipe, runs, dir, reaper, log)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Address)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	registry.Shutdown(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
