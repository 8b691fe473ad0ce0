package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Rrens/collab-sessions/internal/api"
	"github.com/Rrens/collab-sessions/internal/api/handler"
	customMiddleware "github.com/Rrens/collab-sessions/internal/api/middleware"
	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/Rrens/collab-sessions/internal/logger"
	"github.com/Rrens/collab-sessions/internal/repository/mongo"
	"github.com/Rrens/collab-sessions/internal/repository/postgres"
	"github.com/Rrens/collab-sessions/internal/repository/redis"
	"github.com/Rrens/collab-sessions/internal/repository/sqlstore"
	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/Rrens/collab-sessions/internal/service"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file - try multiple locations
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal().Msg("auth.jwt_secret (JWT_SECRET) is required")
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting collaboration session server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoCloser, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Failed to open session store")
	}
	defer repoCloser.Close()

	readyChecks := map[string]handler.Pinger{"store": repo}

	// Redis is optional: it backs the record cache and the shared rate limiter.
	var (
		cache   service.SessionCache
		limiter customMiddleware.Limiter
	)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		cache = redis.NewSessionCache(redisClient)
		limiter = redis.NewRateLimiter(
			redisClient,
			cfg.Security.RateLimit.RequestsPerMinute,
			cfg.Security.RateLimit.Burst,
		)
		readyChecks["redis"] = redisClient
	}

	svc := service.NewCollaborationService(repo, cache)
	recorder := service.NewActivityRecorder(svc, cfg.Collab.TouchTimeout)
	sweeper := service.NewSweeper(svc, cfg.Collab.PurgeInterval, cfg.Collab.InactiveThreshold)
	registry := collab.NewRegistry(
		collab.WithObserver(recorder),
		collab.WithActivityInterval(cfg.Collab.ActivityInterval),
	)

	jwtManager := security.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.ParticipantTokenTTL,
	)

	router := api.NewRouter(api.Dependencies{
		Config:      cfg,
		Service:     svc,
		Registry:    registry,
		JWTManager:  jwtManager,
		RateLimiter: limiter,
		ReadyChecks: readyChecks,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The recorder outlives gctx so it can persist the departures caused by
	// the shutdown itself.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g.Go(func() error {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return recorder.Run(recorderCtx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		defer stopRecorder()

		// Hijacked websocket connections are not tracked by Shutdown.
		registry.CloseAll()
		if err := registry.WaitIdle(shutdownCtx); err != nil {
			log.Warn().Int("connections", registry.ConnectionCount()).Msg("websocket clients did not close in time")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}

	log.Info().Msg("Server stopped")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openRepository opens the durable store selected by storage.driver. The
// postgres schema is managed by cmd/migrate; the other drivers create theirs.
func openRepository(ctx context.Context, cfg *config.Config) (domain.CollaborationSessionRepository, io.Closer, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewCollaborationSessionRepository(db), closerFunc(func() error {
			db.Close()
			return nil
		}), nil
	case config.DriverSQLite:
		store, err := sqlstore.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.DriverMySQL:
		store, err := sqlstore.OpenMySQL(ctx, cfg.Storage.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.DriverMongo:
		store, err := mongo.Open(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB, cfg.Server.ReadTimeout)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
}
