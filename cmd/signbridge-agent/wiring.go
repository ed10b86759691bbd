package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	agentapi "github.com/aegis-sign/signbridge/internal/api"
	"github.com/aegis-sign/signbridge/internal/bridge"
	"github.com/aegis-sign/signbridge/internal/config"
	"github.com/aegis-sign/signbridge/internal/discovery"
	"github.com/aegis-sign/signbridge/internal/native/softlib"
	"github.com/aegis-sign/signbridge/internal/signing"
	"github.com/aegis-sign/signbridge/internal/taskpoller"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/aegis-sign/signbridge/internal/upload"
	"github.com/aegis-sign/signbridge/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

const readyTimeout = 10 * time.Second

// libraryHandle 是某种运行模式下的签名库能力；bridge 在进程内调用模式下为空。
type libraryHandle struct {
	lib    signing.Library
	bridge *bridge.Bridge
	close  func()
}

// agent 是组合根创建的全部组件。
type agent struct {
	bridge    *bridge.Bridge
	session   *signing.Session
	facade    *signing.Facade
	discovery *discovery.Discovery
	handler   *agentapi.HTTPHandler
}

// openLibrary 按运行模式构造签名库能力，close 负责关闭通道与 worker。
func openLibrary(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*libraryHandle, error) {
	switch cfg.Mode {
	case config.ModeInPage:
		return &libraryHandle{lib: signing.NewInPage(newSoftLib(cfg, logger)), close: func() {}}, nil
	case config.ModePipe:
		agentEnd, workerEnd := transport.Pipe(transport.DefaultConfig().SendBuffer)
		w := worker.New(newSoftLib(cfg, logger), worker.WithLogger(logger), worker.WithRegisterer(reg))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := w.Serve(context.Background(), workerEnd); err != nil {
				logger.Error("in-process worker stopped", "err", err)
			}
		}()
		return attachBridge(ctx, agentEnd, cfg, logger, reg, func() { <-done })
	case config.ModeLink:
		link, err := transport.DialWithRetry(ctx, cfg.Worker.Endpoint, transport.LoadConfigFromEnv(),
			transport.WithLogger(logger), transport.WithRegisterer(reg))
		if err != nil {
			return nil, err
		}
		return attachBridge(ctx, link, cfg, logger, reg, func() {})
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func attachBridge(ctx context.Context, ch transport.Channel, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, stopped func()) (*libraryHandle, error) {
	b := bridge.New(ch,
		bridge.WithLogger(logger),
		bridge.WithRegisterer(reg),
		bridge.WithMaxInFlight(cfg.Worker.MaxInFlight),
	)
	cleanup := func() {
		_ = b.Close()
		stopped()
	}
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := b.Ready(readyCtx); err != nil {
		cleanup()
		return nil, fmt.Errorf("worker did not become ready: %w", err)
	}
	logger.Info("worker ready", "mode", cfg.Mode, "operations", len(b.Supported()))
	return &libraryHandle{lib: signing.NewRemote(b), bridge: b, close: cleanup}, nil
}

func newSoftLib(cfg config.Config, logger *slog.Logger) *softlib.Library {
	opts := []softlib.Option{softlib.WithLogger(logger)}
	if cfg.SoftLib.TokenDir != "" {
		opts = append(opts, softlib.WithTokenDir(cfg.SoftLib.TokenDir))
	}
	if cfg.SoftLib.WithoutSettings {
		opts = append(opts, softlib.WithoutSettings())
	}
	return softlib.New(opts...)
}

// newAgent 把签名库能力接到会话、设备发现、后端客户端与 HTTP handler 上。
func newAgent(cfg config.Config, h *libraryHandle, logger *slog.Logger, reg prometheus.Registerer) (*agent, error) {
	trustClient := &http.Client{Timeout: cfg.Trust.FetchTimeout}
	session := signing.NewSession(h.lib, signing.SessionConfig{
		Settings: signing.SettingsOptions{
			ProxyURL:         cfg.Trust.ProxyURL,
			UseOCSP:          cfg.Trust.UseOCSP,
			GetTimestamps:    cfg.Trust.GetTimestamps,
			ExtraDirectHosts: cfg.Trust.ExtraDirectHosts,
		},
		CAListSource:      cfg.Trust.CAList,
		TrustAnchorSource: cfg.Trust.Anchors,
		HTTPClient:        trustClient,
	}, signing.WithSessionLogger(logger))
	facade := signing.NewFacade(session)
	disc := discovery.New(facade, cfg.DiscoveryOptions(), discovery.WithLogger(logger))

	deps := agentapi.Deps{Signer: facade, Discovery: disc}
	if cfg.Backend.BaseURL != "" {
		backendClient := &http.Client{Timeout: cfg.Backend.Timeout}
		tasks, err := taskpoller.NewClient(taskpoller.ClientConfig{
			BaseURL:          cfg.Backend.BaseURL,
			TaskPath:         cfg.Backend.TaskPath,
			LookupPath:       cfg.Backend.LookupPath,
			BreakerThreshold: cfg.Backend.BreakerThreshold,
			BreakerCooldown:  cfg.Backend.BreakerCooldown,
		}, backendClient)
		if err != nil {
			return nil, err
		}
		uploader, err := upload.New(upload.Config{BaseURL: cfg.Backend.BaseURL, PathTemplate: cfg.Backend.UploadPath}, backendClient)
		if err != nil {
			return nil, err
		}
		deps.Lookup = tasks
		deps.Tasks = taskpoller.New(tasks, taskpoller.Config{
			MaxAttempts: cfg.Poller.MaxAttempts,
			Interval:    cfg.Poller.Interval,
		}, taskpoller.WithLogger(logger), taskpoller.WithRegisterer(reg))
		deps.Uploader = uploader
	}
	handler := agentapi.NewHTTPHandler(deps,
		agentapi.WithLogger(logger),
		agentapi.WithMediaRateLimit(cfg.Discovery.RatePerSecond, cfg.Discovery.Burst),
	)
	return &agent{bridge: h.bridge, session: session, facade: facade, discovery: disc, handler: handler}, nil
}

// register 挂载业务路由与健康检查。
func (a *agent) register(mux *http.ServeMux) {
	a.handler.Register(mux)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.bridge != nil {
		mux.Handle("GET /debug/bridge", a.bridge.DebugHandler())
	}
}

func (a *agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := a.session.State()
	status := http.StatusOK
	if state == signing.StateFailed {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "{\"state\":%q}\n", state.String())
}
