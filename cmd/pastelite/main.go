package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/secrets"
	"pastelite/svc/api"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.ResolveSecrets(ctx, secrets.NewResolver()); err != nil {
		util.Fatal().Err(err).Msg("failed to resolve secrets")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Dev())
	util.Info().
		Str("backend", c.StoreBackend).
		Strs("allowed_origins", c.AllowedOrigins).
		Bool("test_mode", c.TestMode).
		Msg("starting pastelite API")

	store, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	// shared must stay a nil interface when there is no separate Redis cache
	var shared svc.SnapshotCache
	var cachePinger api.Pinger
	if c.RedisURL != "" && c.StoreBackend != cfg.BackendRedis {
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis cache configured but unreachable")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without shared cache")
		} else {
			defer rdb.Close()
			shared = rdb
			cachePinger = rdb
			util.Info().Msg("redis snapshot cache connected")
		}
	}

	var lruCache *cache.LRU
	if c.LRUCacheSize > 0 {
		lruCache, err = cache.NewLRU(c.LRUCacheSize)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create LRU cache")
			os.Exit(1)
		}
		util.Info().Int("size", c.LRUCacheSize).Dur("ttl", c.CacheTTL).Msg("LRU cache initialized")
	}

	pasteSvc := svc.NewPaste(store, lruCache, shared, c)
	server := api.NewServer(c, pasteSvc, cachePinger)

	var walDone <-chan struct{}
	walCtx, stopWAL := context.WithCancel(ctx)
	defer stopWAL()
	if s, ok := store.(*db.SQLite); ok {
		walDone = db.StartWALMaintenance(walCtx, s.DB(), 0)
		util.Info().Msg("WAL maintenance worker started")
	}

	var cleanerDone <-chan struct{}
	if c.CleanupInterval > 0 {
		sw, ok := store.(db.Sweeper)
		if !ok {
			util.Warn().Str("backend", c.StoreBackend).Msg("backend expires records itself, cleanup worker not started")
		} else if cleanerDone, err = svc.StartCleaner(ctx, sw, c.CleanupInterval, c.CleanupGrace); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		}
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	stopWAL()
	cancel()
	for name, done := range map[string]<-chan struct{}{"WAL maintenance": walDone, "cleanup worker": cleanerDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
			util.Info().Msg(name + " stopped")
		case <-time.After(6 * time.Second):
			util.Warn().Msg(name + " did not stop gracefully")
		}
	}
	util.Info().Msg("Shutdown complete")
}

func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, error) {
	switch c.StoreBackend {
	case cfg.BackendSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		util.Info().Str("path", c.DatabasePath).Msg("sqlite database opened")
		return s, nil
	case cfg.BackendPostgres:
		util.Info().Str("dsn", util.RedactDSN(c.DatabaseURL.Value())).Msg("connecting to postgres")
		return db.NewPostgres(ctx, db.PostgresConfig{
			DSN:          c.DatabaseURL.Value(),
			MaxConns:     c.DBMaxOpenConns,
			MinConns:     c.DBMaxIdleConns,
			QueryTimeout: c.DBQueryTimeout,
		})
	case cfg.BackendRedis:
		return db.NewRedis(c.RedisURL, c)
	case cfg.BackendMemory:
		util.Warn().Msg("memory backend: pastes are lost on restart")
		return db.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

// healthProbe is for container HEALTHCHECKs where no HTTP client is installed.
func healthProbe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/api/healthz")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
