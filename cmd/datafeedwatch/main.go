// Package main wires together the datafeed watch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/amirbenun/kibana/internal/api"
	"github.com/amirbenun/kibana/internal/clock/system"
	"github.com/amirbenun/kibana/internal/config"
	"github.com/amirbenun/kibana/internal/datafeed"
	"github.com/amirbenun/kibana/internal/logging"
	"github.com/amirbenun/kibana/internal/source/memory"
	"github.com/amirbenun/kibana/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	registry := datafeed.NewRegistry()

	promRegistry := prometheus.NewRegistry()
	recorder, err := telemetry.NewRecorder(promRegistry)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	// The in-memory source stands in for the real job/datafeed API; swap in
	// a production implementation of mljob.JobsAPI here.
	source := memory.New(clock)
	source.AddJob(memory.JobSpec{
		JobID:       "demo-job",
		Node:        "node-0",
		AssignDelay: 4 * time.Second,
		RunDuration: 30 * time.Second,
	})

	apiServer := api.NewServer(
		ctx,
		source,
		registry,
		clock,
		cfg.Watch,
		recorder,
		promRegistry,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	for _, run := range registry.List() {
		run.Cancel()
	}
	logger.Info("shutdown complete")
}
