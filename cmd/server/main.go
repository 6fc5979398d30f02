package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"flexd/internal/api"
	"flexd/internal/audit"
	"flexd/internal/auth"
	"flexd/internal/config"
	"flexd/internal/storage"
	"flexd/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logging
	zlog, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)
	zlog.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.Name))

	// 3. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		zlog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	// 4. Bootstrap system tables and the seed operator account
	if err := db.Bootstrap(ctx); err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}
	zlog.Info("system tables ready")

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check and metrics
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 7. Auth routes (before middleware, no auth required)
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	// 8. Auth middleware for all protected routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	// 9. Audit events: buffered writes, daily retention sweep
	events := audit.NewBuffer(db, 100, 5*time.Second)
	defer events.Stop()
	stopCleanup := audit.StartCleanup(db, 30*24*time.Hour, 24*time.Hour)
	defer stopCleanup()
	audit.RegisterEventRoutes(app, audit.NewEventHandler(db), authMW, adminMW)

	// 10. Model and instance routes
	archive := storage.NewArchive(cfg.Storage.ExportPath)
	handler := api.NewHandler(db, zlog, events, archive)
	api.RegisterRoutes(app, handler, authMW, adminMW)

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	zlog.Info("starting server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
