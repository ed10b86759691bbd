package transport

import (
	"os"
	"strconv"
	"time"
)

// Config 控制 worker 链路的拨号与保活行为。
type Config struct {
	DialTimeout        time.Duration
	KeepaliveTime      time.Duration
	KeepaliveTimeout   time.Duration
	HealthCheckTimeout time.Duration
	MaxDialAttempts    int
	SendBuffer         int
	ServiceName        string
	Backoff            BackoffConfig
}

// BackoffConfig 决定断线重拨指数退避参数。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultConfig 返回安全默认值。
func DefaultConfig() Config {
	return Config{
		DialTimeout:        2 * time.Second,
		KeepaliveTime:      30 * time.Second,
		KeepaliveTimeout:   10 * time.Second,
		HealthCheckTimeout: time.Second,
		MaxDialAttempts:    5,
		SendBuffer:         64,
		ServiceName:        linkServiceName,
		Backoff: BackoffConfig{
			Initial: 100 * time.Millisecond,
			Max:     2 * time.Second,
			Jitter:  0.2,
		},
	}
}

// LoadConfigFromEnv 解析环境变量覆盖默认值。
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if d := readDuration("SIGNBRIDGE_LINK_DIAL_TIMEOUT"); d > 0 {
		cfg.DialTimeout = d
	}
	if d := readDuration("SIGNBRIDGE_LINK_KEEPALIVE_TIME"); d > 0 {
		cfg.KeepaliveTime = d
	}
	if d := readDuration("SIGNBRIDGE_LINK_KEEPALIVE_TIMEOUT"); d > 0 {
		cfg.KeepaliveTimeout = d
	}
	if d := readDuration("SIGNBRIDGE_LINK_HEALTH_TIMEOUT"); d > 0 {
		cfg.HealthCheckTimeout = d
	}
	if v := readInt("SIGNBRIDGE_LINK_DIAL_ATTEMPTS"); v > 0 {
		cfg.MaxDialAttempts = v
	}
	if d := readDuration("SIGNBRIDGE_LINK_RETRY_INITIAL"); d > 0 {
		cfg.Backoff.Initial = d
	}
	if d := readDuration("SIGNBRIDGE_LINK_RETRY_MAX"); d > 0 {
		cfg.Backoff.Max = d
	}
	if j := readFloat("SIGNBRIDGE_LINK_RETRY_JITTER"); j >= 0 {
		cfg.Backoff.Jitter = j
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = cfg.Backoff.Initial
	}
	return cfg
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

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
