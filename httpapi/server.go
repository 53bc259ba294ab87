// Package httpapi serves the Cortex HTTP API used by agent workers.
package httpapi

import (
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds HTTP server options.
type Config struct {
	Logger zerolog.Logger

	// Registry, when set, receives the HTTP metrics and is served at /metrics.
	Registry *prometheus.Registry

	// BodyLimit caps request bodies in bytes.
	BodyLimit int
}

// New builds the fiber app with every Cortex route registered.
func New(cfg Config, svc *cortex.Service) *fiber.App {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4 * 1024 * 1024
	}
	app := fiber.New(fiber.Config{
		AppName:               "cortex",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           2 * time.Minute,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// Middleware
	app.Use(recover.New())
	logger := cfg.Logger.With().Str("component", "http").Logger()
	app.Use(requestLogger(logger))

	if cfg.Registry != nil {
		prom := fiberprometheus.NewWithRegistry(cfg.Registry, "cortex", "cortex", "http", nil)
		prom.RegisterAt(app, "/metrics")
		app.Use(prom.Middleware)
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "tenant": string(svc.Tenant())})
	})

	h := NewHandler(svc, logger)
	h.Register(app.Group("/api/cortex"))
	return app
}

// requestLogger logs each request at debug, and failures at warn.
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = statusOf(err)
		}
		ev := logger.Debug()
		if status >= fiber.StatusBadRequest {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
		return err
	}
}
