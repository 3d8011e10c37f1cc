package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/relay/store"
	"github.com/chatsync/internal/server"
	"github.com/chatsync/internal/startup"
)

func main() {
	logger.SetPrefix("relay")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	issueFor := flag.String("issue-token", "", "print a signed access token for the given user id and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	rc := &cfg.Relay

	if *issueFor != "" {
		if rc.JWTSecret == "" {
			logger.Error("JWT_SECRET is not set")
			os.Exit(1)
		}
		token, err := middleware.IssueToken(rc.JWTSecret, *issueFor, "", 24*time.Hour)
		if err != nil {
			logger.Errorf("issue token: %v", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger.Info("starting relay")
	if *dev {
		db, err := startEmbeddedPostgres(rc)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := db.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, rc, *migrate)
	if err != nil {
		logger.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer st.Close()
	if *migrate && !*dev {
		return
	}

	bus, err := openBus(ctx, rc)
	if err != nil {
		logger.Errorf("bus: %v", err)
		os.Exit(1)
	}
	defer bus.Close()

	srv := server.New(*rc, st, bus, nil)
	srv.Start(context.Background())

	httpSrv := &http.Server{
		Addr:         rc.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		IdleTimeout:  rc.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("relay listening on %s (store=%s)", rc.Addr, rc.Store)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	srv.Stop()
	logger.Info("hub stopped")
	srvWg.Wait()
}

func openStore(ctx context.Context, rc *config.RelayConfig, migrateOnly bool) (store.Store, error) {
	if rc.Store != "postgres" {
		if migrateOnly {
			return nil, errors.New("-migrate requires RELAY_STORE=postgres")
		}
		logger.Warn("using in-memory store: history is lost on restart")
		return store.NewMemory(), nil
	}
	poolCfg, err := pgxpool.ParseConfig(rc.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(rc.DBMaxConnections())
	poolCfg.MinConns = 2

	pool, err := startup.ConnectDB(ctx, poolCfg, 60*time.Second)
	if err != nil {
		return nil, err
	}
	migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Migrate(migCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database connected, migrations applied")
	return store.NewPostgres(pool), nil
}

func openBus(ctx context.Context, rc *config.RelayConfig) (store.Bus, error) {
	if rc.RedisURL == "" {
		return store.NewLocalBus(), nil
	}
	cli, err := startup.ConnectRedis(ctx, rc.RedisURL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	logger.Info("room events fan out via redis")
	return store.NewRedisBus(cli), nil
}

func startEmbeddedPostgres(rc *config.RelayConfig) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "chatsync-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	rc.Store = "postgres"
	rc.Database.URL = fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
