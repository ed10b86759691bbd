// Package discovery 列举可用的密钥介质类型以及每种类型下的设备。
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aegis-sign/signbridge/internal/enumerate"
	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/google/uuid"
)

// FailurePolicy 决定单个类型探测失败时整个发现过程的行为。
type FailurePolicy string

const (
	FailFast FailurePolicy = "fail-fast"
	Skip     FailurePolicy = "skip"
)

// ParseFailurePolicy 解析配置值，空串返回 FailFast。
func ParseFailurePolicy(v string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", FailFast:
		return FailFast, nil
	case Skip:
		return Skip, nil
	default:
		return "", fmt.Errorf("unknown discovery failure policy %q", v)
	}
}

// DefaultDenylist 是非交互或已废弃的介质类型码。
var DefaultDenylist = []int{0, 1, 2, 13, 14, 15, 40}

// Config 是发现过程的扫描范围与过滤规则。
type Config struct {
	MaxTypeIndex   int
	MaxDeviceIndex int
	Denylist       []int
	FailurePolicy  FailurePolicy
}

// DefaultConfig 返回默认扫描范围。
func DefaultConfig() Config {
	return Config{
		MaxTypeIndex:   128,
		MaxDeviceIndex: 4,
		Denylist:       append([]int(nil), DefaultDenylist...),
		FailurePolicy:  FailFast,
	}
}

// KeyMediaType 是可用的介质类型。TypeIndex 是扫描位置，下游以它作为稳定标识。
type KeyMediaType struct {
	Label     string `json:"label"`
	TypeIndex int    `json:"typeIndex"`
	Code      int    `json:"code"`
}

// KeyMediaDevice 是某类型下的一个设备。InstanceID 每次发现重新生成。
type KeyMediaDevice struct {
	TypeIndex   int    `json:"typeIndex"`
	Device      string `json:"device"`
	DeviceIndex int    `json:"deviceIndex"`
	InstanceID  string `json:"instanceId"`
}

// Source 提供按下标探测的原语。
type Source interface {
	EnumKeyMediaType(ctx context.Context, index int) (native.KeyMediaType, error)
	EnumKeyMediaDevice(ctx context.Context, typeIndex, index int) (string, error)
}

// Option 自定义 Discovery。
type Option func(*Discovery)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(d *Discovery) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithInstanceIDs 替换设备实例 ID 生成器。
func WithInstanceIDs(gen func() string) Option {
	return func(d *Discovery) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// Discovery 串行执行发现过程；同一介质存储上的扫描不可并发。
type Discovery struct {
	src    Source
	cfg    Config
	deny   map[int]struct{}
	logger *slog.Logger
	newID  func() string
	mu     sync.Mutex
}

// New 创建 Discovery。
func New(src Source, cfg Config, opts ...Option) *Discovery {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailFast
	}
	d := &Discovery{
		src:    src,
		cfg:    cfg,
		deny:   make(map[int]struct{}, len(cfg.Denylist)),
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, code := range cfg.Denylist {
		d.deny[code] = struct{}{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config 返回当前配置。
func (d *Discovery) Config() Config { return d.cfg }

// ListKeyMediaTypes 扫描类型码并去掉拒绝列表中的类型，保持扫描顺序。
func (d *Discovery) ListKeyMediaTypes(ctx context.Context) ([]KeyMediaType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listTypes(ctx)
}

// ListDevicesForType 扫描指定类型下的设备。
func (d *Discovery) ListDevicesForType(ctx context.Context, typeIndex int) ([]KeyMediaDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listDevices(ctx, typeIndex)
}

// DiscoverAll 依次扫描所有可用类型并拼接设备列表。
func (d *Discovery) DiscoverAll(ctx context.Context) ([]KeyMediaDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	types, err := d.listTypes(ctx)
	if err != nil {
		return nil, err
	}
	var all []KeyMediaDevice
	for _, mt := range types {
		devices, err := d.listDevices(ctx, mt.TypeIndex)
		if err != nil {
			if d.cfg.FailurePolicy == Skip && ctx.Err() == nil {
				d.logger.Warn("skipping media type after probe failure", "type_index", mt.TypeIndex, "label", mt.Label, "err", err)
				continue
			}
			return nil, err
		}
		all = append(all, devices...)
	}
	return all, nil
}

func (d *Discovery) listTypes(ctx context.Context) ([]KeyMediaType, error) {
	probe := func(ctx context.Context, index int) (native.KeyMediaType, error) {
		return d.src.EnumKeyMediaType(ctx, index)
	}
	seq := enumerate.EnumerateFunc(ctx, probe, 0, d.cfg.MaxTypeIndex, func(mt native.KeyMediaType) bool {
		return mt.Label == ""
	})
	scanned, err := enumerate.Collect(seq)
	if err != nil {
		return nil, err
	}
	var out []KeyMediaType
	for position, mt := range scanned {
		if _, denied := d.deny[mt.Code]; denied {
			continue
		}
		out = append(out, KeyMediaType{Label: mt.Label, TypeIndex: position, Code: mt.Code})
	}
	return out, nil
}

func (d *Discovery) listDevices(ctx context.Context, typeIndex int) ([]KeyMediaDevice, error) {
	probe := func(ctx context.Context, index int) (string, error) {
		return d.src.EnumKeyMediaDevice(ctx, typeIndex, index)
	}
	names, err := enumerate.Collect(enumerate.Enumerate(ctx, probe, 0, d.cfg.MaxDeviceIndex))
	if err != nil {
		return nil, err
	}
	devices := make([]KeyMediaDevice, 0, len(names))
	for i, name := range names {
		devices = append(devices, KeyMediaDevice{
			TypeIndex:   typeIndex,
			Device:      name,
			DeviceIndex: i,
			InstanceID:  d.newID(),
		})
	}
	return devices, nil
}
