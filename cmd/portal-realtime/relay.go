package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/RCcoders/Medical-Porject-sub001/internal/config"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/auth"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/db"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/middleware"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/websocket"
)

const version = "0.1.0"

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg, logger)
		},
	}
}

// relayDeps are the relay's optional backing stores.
type relayDeps struct {
	publisher websocket.Publisher
	checks    []db.Check
}

func runRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	hub := websocket.NewHub(logger, websocket.WithPendingLimit(cfg.RelayPendingLimit))
	deps := relayDeps{publisher: hub}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		bus := websocket.NewRedisBus(rdb, hub, logger)
		go func() {
			if err := bus.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("relay bus stopped")
			}
		}()
		deps.publisher = bus
		deps.checks = append(deps.checks, db.RedisCheck(rdb))
		logger.Info().Msg("relay bus enabled")
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		deps.checks = append(deps.checks, db.PoolCheck(pool))
		logger.Info().Msg("connected to database")
	}

	e := newRelayServer(cfg, logger, hub, deps)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting relay")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	logger.Info().Msg("relay stopped")
	return nil
}

// newRelayServer wires middleware and routes. Sockets authenticate with a
// bearer token; the push API with X-API-Key.
func newRelayServer(cfg *config.Config, logger zerolog.Logger, hub *websocket.Hub, deps relayDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-API-Key"},
	}))

	limit := rateLimitConfig(cfg)
	e.Use(auth.Unless(limitedInGroup, middleware.RateLimit(limit)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version,
			"relay":   hub.Stats(),
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.checks...))

	ws := e.Group("/ws", socketAuth(cfg), middleware.RateLimit(limit))
	api := e.Group("/api/v1", auth.APIKeyMiddleware(auth.NewAPIKeySet(cfg.PushAPIKeys)), middleware.RateLimit(limit))

	publisher := deps.publisher
	if publisher == nil {
		publisher = hub
	}
	websocket.NewHandler(hub, publisher, cfg.CORSOrigins, logger).RegisterRoutes(ws, api)
	return e
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	limit := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		limit.RequestsPerSecond = cfg.RateLimitRPS
		limit.BurstSize = cfg.RateLimitBurst
	}
	return limit
}

// limitedInGroup reports paths the global per-IP limiter leaves alone: public
// health checks, and the socket and push groups, which limit per caller
// after authenticating.
func limitedInGroup(c echo.Context) bool {
	if auth.AuthSkipper(c) {
		return true
	}
	p := c.Request().URL.Path
	return strings.HasPrefix(p, "/ws/") || strings.HasPrefix(p, "/api/v1/")
}

func socketAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}))
}
