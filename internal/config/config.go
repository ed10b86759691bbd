// Package config 加载 YAML 配置文件并应用 SIGNBRIDGE_* 环境变量覆盖。
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sign/signbridge/internal/discovery"
	"github.com/aegis-sign/signbridge/internal/taskpoller"
	"gopkg.in/yaml.v3"
)

// Mode 是签名库的执行方式。
type Mode string

const (
	// ModeInPage 在 agent 进程内直接调用签名库。
	ModeInPage Mode = "inpage"
	// ModePipe 在 agent 进程内的独立 goroutine 中运行 worker，经内存通道通信。
	ModePipe Mode = "pipe"
	// ModeLink 通过 gRPC 链路连接独立的 worker 进程。
	ModeLink Mode = "link"
)

type Config struct {
	Mode      Mode            `yaml:"mode"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Trust     TrustConfig     `yaml:"trust"`
	Backend   BackendConfig   `yaml:"backend"`
	Poller    PollerConfig    `yaml:"poller"`
	SoftLib   SoftLibConfig   `yaml:"softlib"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WorkerConfig struct {
	// Endpoint 是 agent 拨号的地址：unix:///path、vsock://cid:port 或 host:port。
	Endpoint string `yaml:"endpoint"`
	// Listen 是 worker 进程的监听地址。
	Listen      string `yaml:"listen"`
	MaxInFlight int64  `yaml:"maxInFlight"`
}

type DiscoveryConfig struct {
	MaxTypeIndex   int     `yaml:"maxTypeIndex"`
	MaxDeviceIndex int     `yaml:"maxDeviceIndex"`
	Denylist       []int   `yaml:"denylist"`
	FailurePolicy  string  `yaml:"failurePolicy"`
	RatePerSecond  float64 `yaml:"ratePerSecond"`
	Burst          int     `yaml:"burst"`
}

type TrustConfig struct {
	CAList           string        `yaml:"caList"`
	Anchors          string        `yaml:"anchors"`
	ProxyURL         string        `yaml:"proxyURL"`
	UseOCSP          bool          `yaml:"useOCSP"`
	GetTimestamps    bool          `yaml:"getTimestamps"`
	ExtraDirectHosts []string      `yaml:"extraDirectHosts"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
}

type BackendConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	TaskPath   string        `yaml:"taskPath"`
	LookupPath string        `yaml:"lookupPath"`
	UploadPath string        `yaml:"uploadPath"`
	Timeout    time.Duration `yaml:"timeout"`
	// BreakerThreshold 为负时关闭后端短路。
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

type PollerConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Interval    time.Duration `yaml:"interval"`
}

type SoftLibConfig struct {
	TokenDir        string `yaml:"tokenDir"`
	WithoutSettings bool   `yaml:"withoutSettings"`
}

// Default 返回默认配置。
func Default() Config {
	d := discovery.DefaultConfig()
	return Config{
		Mode: ModePipe,
		HTTP: HTTPConfig{Addr: "127.0.0.1:8085", ShutdownTimeout: 5 * time.Second},
		Log:  LogConfig{Level: "info", Format: "text"},
		Worker: WorkerConfig{
			Endpoint: "unix:///run/signbridge/worker.sock",
			Listen:   "unix:///run/signbridge/worker.sock",
		},
		Discovery: DiscoveryConfig{
			MaxTypeIndex:   d.MaxTypeIndex,
			MaxDeviceIndex: d.MaxDeviceIndex,
			Denylist:       d.Denylist,
			FailurePolicy:  string(d.FailurePolicy),
			RatePerSecond:  2,
			Burst:          2,
		},
		Trust: TrustConfig{
			UseOCSP:          true,
			GetTimestamps:    true,
			ExtraDirectHosts: []string{"czo.gov.ua"},
			FetchTimeout:     10 * time.Second,
		},
		Backend: BackendConfig{
			TaskPath:         taskpoller.DefaultTaskPath,
			LookupPath:       taskpoller.DefaultLookupPath,
			Timeout:          10 * time.Second,
			BreakerThreshold: taskpoller.DefaultBreakerThreshold,
			BreakerCooldown:  taskpoller.DefaultBreakerCooldown,
		},
		Poller: PollerConfig{
			MaxAttempts: taskpoller.DefaultMaxAttempts,
			Interval:    taskpoller.DefaultInterval,
		},
	}
}

// Load 读取 path（可为空）并应用环境变量覆盖。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validateCommon(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SIGNBRIDGE_MODE"); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	readString("SIGNBRIDGE_HTTP_ADDR", &cfg.HTTP.Addr)
	readString("SIGNBRIDGE_LOG_LEVEL", &cfg.Log.Level)
	readString("SIGNBRIDGE_LOG_FORMAT", &cfg.Log.Format)
	readString("SIGNBRIDGE_WORKER_ENDPOINT", &cfg.Worker.Endpoint)
	readString("SIGNBRIDGE_WORKER_LISTEN", &cfg.Worker.Listen)
	readString("SIGNBRIDGE_TRUST_CA_LIST", &cfg.Trust.CAList)
	readString("SIGNBRIDGE_TRUST_ANCHORS", &cfg.Trust.Anchors)
	readString("SIGNBRIDGE_PROXY_URL", &cfg.Trust.ProxyURL)
	readString("SIGNBRIDGE_BACKEND_URL", &cfg.Backend.BaseURL)
	readString("SIGNBRIDGE_DISCOVERY_FAILURE_POLICY", &cfg.Discovery.FailurePolicy)
	readString("SIGNBRIDGE_TOKEN_DIR", &cfg.SoftLib.TokenDir)
	if v := readInt("SIGNBRIDGE_POLL_ATTEMPTS"); v > 0 {
		cfg.Poller.MaxAttempts = v
	}
	if d := readDuration("SIGNBRIDGE_POLL_INTERVAL"); d > 0 {
		cfg.Poller.Interval = d
	}
	if v := readInt("SIGNBRIDGE_DISCOVERY_MAX_TYPES"); v > 0 {
		cfg.Discovery.MaxTypeIndex = v
	}
	if v := readInt("SIGNBRIDGE_DISCOVERY_MAX_DEVICES"); v > 0 {
		cfg.Discovery.MaxDeviceIndex = v
	}
}

// Validate 检查 agent 所需的完整配置。
func (c Config) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Trust.Anchors == "" {
		return fmt.Errorf("trust.anchors is required")
	}
	return nil
}

func (c Config) validateCommon() error {
	switch c.Mode {
	case ModeInPage, ModePipe:
	case ModeLink:
		if c.Worker.Endpoint == "" {
			return fmt.Errorf("worker.endpoint is required in %s mode", c.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Discovery.MaxTypeIndex < 0 || c.Discovery.MaxDeviceIndex < 0 {
		return fmt.Errorf("discovery bounds must not be negative")
	}
	if _, err := discovery.ParseFailurePolicy(c.Discovery.FailurePolicy); err != nil {
		return err
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.maxAttempts must be positive")
	}
	return nil
}

// DiscoveryOptions 转换为发现模块配置。
func (c Config) DiscoveryOptions() discovery.Config {
	policy, _ := discovery.ParseFailurePolicy(c.Discovery.FailurePolicy)
	return discovery.Config{
		MaxTypeIndex:   c.Discovery.MaxTypeIndex,
		MaxDeviceIndex: c.Discovery.MaxDeviceIndex,
		Denylist:       c.Discovery.Denylist,
		FailurePolicy:  policy,
	}
}

// NewLogger 按 log.level / log.format 构造 slog Logger。
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

func readString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
