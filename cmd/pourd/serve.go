package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"pour-service-backend/config"
	"pour-service-backend/internal/api"
	"pour-service-backend/internal/db"
	"pour-service-backend/internal/device"
	"pour-service-backend/internal/dispenser"
	"pour-service-backend/internal/notification"
	"pour-service-backend/internal/store"
)

func loadConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if configPath != "" {
		logger.Printf("configuration loaded from %s", configPath)
	} else {
		logger.Println("configuration loaded from environment")
	}
	return cfg, nil
}

func runServer(ctx context.Context) error {
	logger := log.New(os.Stdout, "pourd ", log.LstdFlags)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	gormDB, err := db.Init(&cfg.Database, cfg.Server.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	appStore := store.NewGormStore(gormDB)
	logger.Printf("event store ready (%s)", cfg.Database.Driver)

	var dev device.Device
	if cfg.Device.Simulate {
		dev = device.NewSimulator(cfg.Device.SimulatedFlowMLPerSec)
		logger.Printf("using simulated dispenser at %.1f ml/s", cfg.Device.SimulatedFlowMLPerSec)
	} else {
		dev = device.NewClient(cfg.Device)
		logger.Printf("using dispenser at %s", cfg.Device.URL)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opts []dispenser.Option
	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions)
		pool.Start(ctx)
		opts = append(opts, dispenser.WithNotifier(pool))
	} else {
		logger.Println("VAPID keys not configured; push notifications disabled")
	}

	coordinator := dispenser.New(dev, appStore, cfg.Dispense.MaxML, opts...)
	router := api.NewRouter(api.NewHandler(coordinator, appStore, webpushOptions), cfg.Server)

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("HTTP server listening on %s (max pour %dml)", server.Addr, cfg.Dispense.MaxML)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-stop:
		logger.Println("Shutdown signal received, stopping services...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Println("Server gracefully stopped")
	return nil
}
