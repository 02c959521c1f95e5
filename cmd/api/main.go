package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tokokita/installment-service/pkg/config"
	"github.com/tokokita/installment-service/pkg/installments"
	"github.com/tokokita/installment-service/pkg/ledger"
	"github.com/tokokita/installment-service/pkg/models"
	"github.com/tokokita/installment-service/pkg/schedule"
	"github.com/tokokita/installment-service/pkg/store"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Initialize storage
	storage, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer storage.Close()

	// Balance cache: Redis when configured, in-process otherwise
	var cache ledger.BalanceCache
	if cfg.RedisAddr != "" {
		cache = ledger.NewRedisBalanceCache(cfg.RedisAddr)
		logger.Infof("Using Redis balance cache at %s", cfg.RedisAddr)
	} else {
		cache = ledger.NewMemoryBalanceCache()
	}

	// Initialize services
	miscLedger := ledger.NewLedger(storage, cache, logger)
	planService := installments.NewService(storage, miscLedger, logger)
	server := NewServer(storage, planService, miscLedger)

	// Daily overdue sweep shortly after midnight
	c := cron.New()
	if _, err := c.AddFunc("5 0 * * *", func() { overdueSweep(storage, logger) }); err != nil {
		logger.Fatalf("Failed to schedule overdue sweep: %v", err)
	}
	c.Start()
	defer c.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatalf("Server failed: %v", err)
	case <-quit:
		logger.Info("Shutting down server...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}
	logger.Info("Server exited")
}

// overdueSweep reports overdue installments across active plans. Entry
// status stays a pure projection; the sweep only observes and logs, so
// operations can follow up on collections.
func overdueSweep(storage store.Storage, logger *logrus.Logger) {
	plans, err := storage.GetActivePlans()
	if err != nil {
		logger.Errorf("Overdue sweep failed to list active plans: %v", err)
		return
	}

	now := time.Now()
	totalOverdue := 0
	for _, p := range plans {
		full, err := storage.GetPlan(p.ID)
		if err != nil {
			logger.Errorf("Overdue sweep failed to load plan %s: %v", p.ID, err)
			continue
		}
		schedule.Resolve(full.Schedule, now)

		overdue := 0
		for _, e := range full.Schedule {
			if e.Status == models.EntryStatusOverdue {
				overdue++
			}
		}
		if overdue > 0 {
			logger.WithFields(logrus.Fields{
				"plan_id":         p.ID,
				"customer_id":     p.CustomerID,
				"overdue_entries": overdue,
			}).Warn("plan has overdue installments")
			totalOverdue += overdue
		}
	}

	logger.WithFields(logrus.Fields{
		"active_plans":    len(plans),
		"overdue_entries": totalOverdue,
	}).Info("overdue sweep complete")
}
