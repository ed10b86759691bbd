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

	"github.com/aegis-sign/signbridge/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", envOrDefault("SIGNBRIDGE_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "signbridge-agent: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signbridge-agent: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer
	handle, err := openLibrary(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error("failed to open signing library", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}
	defer handle.close()

	app, err := newAgent(cfg, handle, logger, reg)
	if err != nil {
		logger.Error("failed to configure agent", "error", err)
		os.Exit(1)
	}

	// 预热初始化，首批请求在完成前收到 NOT_READY。
	go func() {
		if err := app.facade.Initialize(ctx); err != nil {
			logger.Error("signing library initialization failed", "error", err)
		}
	}()

	mux := http.NewServeMux()
	app.register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", httpSrv.Addr, "mode", cfg.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server closed unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
