package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/guardvault/internal/archive"
	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/auth"
	"github.com/ashita-ai/guardvault/internal/config"
	"github.com/ashita-ai/guardvault/internal/mcp"
	"github.com/ashita-ai/guardvault/internal/ratelimit"
	"github.com/ashita-ai/guardvault/internal/server"
	"github.com/ashita-ai/guardvault/internal/service/audit"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/storage"
	"github.com/ashita-ai/guardvault/internal/storage/sqlite"
	"github.com/ashita-ai/guardvault/internal/telemetry"
	"github.com/ashita-ai/guardvault/internal/vault"
	"github.com/ashita-ai/guardvault/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// store is what both backends provide.
type store interface {
	vaults.Store
	audit.Store
	server.PrincipalStore
	server.IdempotencyStore
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
	Close(ctx context.Context)
}

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("GUARDVAULT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("guardvault starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, notifier, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	reg := assets.Default()
	if cfg.AssetsFile != "" {
		if reg, err = assets.Load(cfg.AssetsFile); err != nil {
			return fmt.Errorf("assets: %w", err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("jwt: %w", err)
	}

	svc := vaults.New(st, vault.SystemClock, logger)

	// With LISTEN/NOTIFY every instance sees every commit. Without it the
	// broker is fed directly and only serves this instance's subscribers.
	var broker *server.Broker
	if notifier != nil {
		broker = server.NewBroker(notifier, logger)
	} else {
		broker = server.NewBroker(nil, logger)
		svc.OnCommit(broker.Publish)
	}

	limiter, authLimiter, closeLimiters, err := newLimiters(cfg)
	if err != nil {
		return err
	}
	defer closeLimiters()

	mcpSrv := mcp.New(svc, reg, logger, version)

	srv := server.New(server.ServerConfig{
		Principals:          st,
		JWTMgr:              jwtMgr,
		Vaults:              svc,
		Logger:              logger,
		Assets:              reg,
		Broker:              broker,
		Idempotency:         st,
		Limiter:             limiter,
		AuthLimiter:         authLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminPrincipal, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	var archiver audit.Archiver
	if cfg.ArchiveBucket != "" {
		s3, err := archive.NewS3(ctx, archive.Config{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = s3
	}
	sealer := audit.NewSealer(st, archiver, logger).WithBatchSize(cfg.IntegrityBatch)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return sealer.Run(gctx, cfg.IntegrityInterval)
	})
	g.Go(func() error {
		idempotencyCleanupLoop(gctx, st, logger, cfg)
		return nil
	})

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("guardvault shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Seal whatever the last interval left open.
	sealCtx, sealCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sealer.SealAll(sealCtx)
	sealCancel()

	slog.Info("guardvault stopped")
	return nil
}

// openStore connects the configured backend. The notifier is non-nil only
// for Postgres with a LISTEN/NOTIFY connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, server.Notifier, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(context.Background())
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		if !db.HasNotifyConn() {
			logger.Warn("no notify connection, event streams are local to this instance")
			return db, nil, nil
		}
		return db, db, nil
	}
}

// newLimiters builds the /v1 and /auth/token limiters. Redis shares buckets
// across instances; without it each instance counts on its own.
func newLimiters(cfg config.Config) (limiter, authLimiter ratelimit.Limiter, closeFn func(), err error) {
	closeFn = func() {}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, closeFn, fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		closeFn = func() { _ = client.Close() }
		limiter, authLimiter = ratelimit.NoopLimiter{}, ratelimit.NoopLimiter{}
		if cfg.RateLimitRPS > 0 {
			limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimitRPS, cfg.RateLimitBurst)
		}
		if cfg.AuthRateLimitRPS > 0 {
			authLimiter = ratelimit.NewRedisLimiter(client, cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst).
				WithPrefix("guardvault:authlimit:")
		}
		return limiter, authLimiter, closeFn, nil
	}

	limiter, authLimiter = ratelimit.NoopLimiter{}, ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.AuthRateLimitRPS > 0 {
		authLimiter = ratelimit.NewMemoryLimiter(cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst)
	}
	closeFn = func() {
		_ = limiter.Close()
		_ = authLimiter.Close()
	}
	return limiter, authLimiter, closeFn, nil
}

func idempotencyCleanupLoop(ctx context.Context, st store, logger *slog.Logger, cfg config.Config) {
	ticker := time.NewTicker(cfg.IdempotencyCleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanupIdempotencyKeys(ctx, cfg.IdempotencyCompletedTTL, cfg.IdempotencyInProgressTTL)
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency keys cleaned up", "deleted", n)
			}
		}
	}
}
