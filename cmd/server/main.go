package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mrp-core/internal/config"
	"mrp-core/internal/core"
	"mrp-core/internal/db"
	infrahttp "mrp-core/internal/infra/http"
	"mrp-core/internal/logger"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logg := logger.New(cfg.App.Env)

	if err := db.Migrate(cfg.Postgres.DSN, "migrations"); err != nil {
		logg.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		logg.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	uoms := core.NewUomService(pool, time.Duration(cfg.Uom.CacheTTLSeconds)*time.Second)
	stock := core.NewStockService(pool, uoms, logg)
	boms := core.NewBomService(pool, uoms)
	orders := core.NewManufacturingService(pool, stock, uoms, boms, logg)

	api := infrahttp.NewHandler(uoms, stock, boms, orders, logg)
	srv := infrahttp.New(cfg.HTTP.Addr, api, cfg.Metrics.Enabled)

	go func() {
		logg.Info("server starting", "addr", cfg.HTTP.Addr, "env", cfg.App.Env)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("shutdown failed", "err", err)
	}
}
