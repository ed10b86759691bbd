package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aegis-sign/signbridge/internal/config"
	"github.com/aegis-sign/signbridge/internal/native/softlib"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/aegis-sign/signbridge/internal/worker"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("SIGNBRIDGE_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signbridge-worker: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signbridge-worker: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []softlib.Option{softlib.WithLogger(logger)}
	if cfg.SoftLib.TokenDir != "" {
		opts = append(opts, softlib.WithTokenDir(cfg.SoftLib.TokenDir))
	}
	if cfg.SoftLib.WithoutSettings {
		opts = append(opts, softlib.WithoutSettings())
	}
	w := worker.New(softlib.New(opts...), worker.WithLogger(logger))

	lis, err := transport.Listen(cfg.Worker.Listen)
	if err != nil {
		logger.Error("failed to listen", "endpoint", cfg.Worker.Listen, "error", err)
		os.Exit(1)
	}
	srv := transport.NewServer(w.Serve,
		transport.WithServerLogger(logger),
		transport.WithServerConfig(transport.LoadConfigFromEnv()),
	)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("worker link closed unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker")
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		logger.Warn("agent links still open, forcing stop")
		srv.Stop()
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
