// Package softlib 是签名库契约的纯软件实现，用于隔离环境部署与测试。
package softlib

import (
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/signbridge/internal/native"
)

// DefaultMediaTypes 是默认的介质类型表，类型码与位置一致。
var DefaultMediaTypes = []native.KeyMediaType{
	{Code: 0, Label: "system store"},
	{Code: 1, Label: "registry"},
	{Code: 2, Label: "removable disk (legacy)"},
	{Code: 3, Label: "file token"},
	{Code: 4, Label: "smart card"},
	{Code: 5, Label: "usb token"},
}

// Option 自定义 Library。
type Option func(*Library)

// WithMediaTypes 替换介质类型表。
func WithMediaTypes(types []native.KeyMediaType) Option {
	return func(l *Library) { l.mediaTypes = append([]native.KeyMediaType(nil), types...) }
}

// WithTokenDir 指定硬件介质目录，布局为 <dir>/<typeIndex>/<device>。
func WithTokenDir(dir string) Option {
	return func(l *Library) { l.tokenDir = dir }
}

// WithDevice 注册一个内存中的设备及其密钥容器。
func WithDevice(typeIndex int, name string, container []byte) Option {
	return func(l *Library) {
		if l.devices[typeIndex] == nil {
			l.devices[typeIndex] = make(map[string][]byte)
		}
		l.devices[typeIndex][name] = container
	}
}

// WithRevoked 标记被吊销的证书序列号。
func WithRevoked(serials ...*big.Int) Option {
	return func(l *Library) {
		for _, s := range serials {
			l.revoked[formatSerial(s)] = struct{}{}
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(l *Library) { l.now = now }
}

// WithoutSettings 使 DoesNeedSetSettings 返回 false。
func WithoutSettings() Option {
	return func(l *Library) { l.settingsRequired = false }
}

// WithLogger 注入 slog Logger。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) { l.logger = logger }
}

// Library 实现 native.Library。
type Library struct {
	mediaTypes       []native.KeyMediaType
	tokenDir         string
	devices          map[int]map[string][]byte
	revoked          map[string]struct{}
	now              func() time.Time
	logger           *slog.Logger
	settingsRequired bool

	mu          sync.Mutex
	initialized bool
	settings    *native.Settings
	roots       *x509.CertPool
	rootCount   int
	key         *keyMaterial
}

var _ native.Library = (*Library)(nil)

// New 创建软件签名库。
func New(opts ...Option) *Library {
	l := &Library{
		mediaTypes:       append([]native.KeyMediaType(nil), DefaultMediaTypes...),
		devices:          make(map[int]map[string][]byte),
		revoked:          make(map[string]struct{}),
		now:              time.Now,
		logger:           slog.Default(),
		settingsRequired: true,
		roots:            x509.NewCertPool(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Library) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
	return nil
}

func (l *Library) DoesNeedSetSettings() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return false, notInitialized()
	}
	return l.settingsRequired && l.settings == nil, nil
}

func (l *Library) SetSettings(settings native.Settings) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return notInitialized()
	}
	s := settings
	l.settings = &s
	l.logger.Debug("softlib settings applied", "trusted_issuers", len(s.TrustedIssuers), "ocsp_points", len(s.OCSPAccessPoints))
	return nil
}

func (l *Library) SaveCertificates(bundle []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	certs, err := parseBundle(bundle)
	if err != nil {
		return err
	}
	for _, cert := range certs {
		l.roots.AddCert(cert)
	}
	l.rootCount += len(certs)
	return nil
}

func (l *Library) EnumKeyMediaTypes(index int) (native.KeyMediaType, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return native.KeyMediaType{}, notInitialized()
	}
	if index < 0 {
		return native.KeyMediaType{}, native.Errorf(native.ErrCodeBadParameter, "negative type index %d", index)
	}
	if index >= len(l.mediaTypes) {
		return native.KeyMediaType{}, nil
	}
	return l.mediaTypes[index], nil
}

func (l *Library) EnumKeyMediaDevices(typeIndex, index int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return "", notInitialized()
	}
	if typeIndex < 0 || typeIndex >= len(l.mediaTypes) || index < 0 {
		return "", native.Errorf(native.ErrCodeBadParameter, "bad device index %d/%d", typeIndex, index)
	}
	names, err := l.deviceNames(typeIndex)
	if err != nil {
		return "", err
	}
	if index >= len(names) {
		return "", nil
	}
	return names[index], nil
}

func (l *Library) ReadPrivateKeyBinary(container []byte, password string) (native.OwnerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return native.OwnerInfo{}, err
	}
	km, err := openContainer(container, password)
	if err != nil {
		return native.OwnerInfo{}, err
	}
	l.key = km
	return ownerInfo(km.certs[0]), nil
}

func (l *Library) ReadPrivateKeySilently(typeIndex, deviceIndex int, password string) (native.OwnerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return native.OwnerInfo{}, err
	}
	container, err := l.deviceContainer(typeIndex, deviceIndex)
	if err != nil {
		return native.OwnerInfo{}, err
	}
	km, err := openContainer(container, password)
	if err != nil {
		return native.OwnerInfo{}, err
	}
	l.key = km
	return ownerInfo(km.certs[0]), nil
}

func (l *Library) GetKeyInfoBinary(container []byte, password string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return nil, err
	}
	km, err := openContainer(container, password)
	if err != nil {
		return nil, err
	}
	return publicKeyInfo(km)
}

func (l *Library) GetKeyInfoSilently(typeIndex, deviceIndex int, password string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return nil, err
	}
	container, err := l.deviceContainer(typeIndex, deviceIndex)
	if err != nil {
		return nil, err
	}
	km, err := openContainer(container, password)
	if err != nil {
		return nil, err
	}
	return publicKeyInfo(km)
}

func (l *Library) GetPrivateKeyOwnerInfo() (native.OwnerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil {
		return native.OwnerInfo{}, native.Errorf(native.ErrCodeKeyNotLoaded, "private key not loaded")
	}
	return ownerInfo(l.key.certs[0]), nil
}

func (l *Library) EnumOwnCertificates(index int) (*native.CertificateInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil {
		return nil, native.Errorf(native.ErrCodeKeyNotLoaded, "private key not loaded")
	}
	if index < 0 {
		return nil, native.Errorf(native.ErrCodeBadParameter, "negative certificate index %d", index)
	}
	if index >= len(l.key.certs) {
		return nil, nil
	}
	return certificateInfo(l.key.certs[index]), nil
}

func (l *Library) Sign(attached bool, data []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil {
		return nil, native.Errorf(native.ErrCodeKeyNotLoaded, "private key not loaded")
	}
	return createSignature(l.key, attached, data, l.now())
}

func (l *Library) Verify(signature, data []byte) (native.SignerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ready(); err != nil {
		return native.SignerInfo{}, err
	}
	parsed, err := checkSignature(signature, data)
	if err != nil {
		return native.SignerInfo{}, err
	}
	if l.rootCount == 0 {
		return native.SignerInfo{}, native.Errorf(native.ErrCodeCertNotTrusted, "no trust anchors loaded")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range parsed.chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err = parsed.signer.Verify(x509.VerifyOptions{
		Roots:         l.roots,
		Intermediates: intermediates,
		CurrentTime:   parsed.signedAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return native.SignerInfo{}, native.Errorf(native.ErrCodeCertNotTrusted, "certificate chain: %v", err)
	}
	if _, revoked := l.revoked[formatSerial(parsed.signer.SerialNumber)]; revoked {
		return native.SignerInfo{}, native.Errorf(native.ErrCodeCertRevoked, "certificate %s is revoked", formatSerial(parsed.signer.SerialNumber))
	}
	if l.settings != nil && len(l.settings.TrustedIssuers) > 0 && !slices.Contains(l.settings.TrustedIssuers, parsed.signer.Issuer.CommonName) {
		return native.SignerInfo{}, native.Errorf(native.ErrCodeIssuerNotTrusted, "issuer %q is not trusted", parsed.signer.Issuer.CommonName)
	}
	return native.SignerInfo{Owner: ownerInfo(parsed.signer), SigningTime: parsed.signedAt}, nil
}

// ready 检查初始化与配置是否完成，调用方持有锁。
func (l *Library) ready() error {
	if !l.initialized {
		return notInitialized()
	}
	if l.settingsRequired && l.settings == nil {
		return native.Errorf(native.ErrCodeSettingsRequired, "settings must be applied first")
	}
	return nil
}

func (l *Library) deviceNames(typeIndex int) ([]string, error) {
	seen := make(map[string]struct{})
	for name := range l.devices[typeIndex] {
		seen[name] = struct{}{}
	}
	if l.tokenDir != "" {
		entries, err := os.ReadDir(filepath.Join(l.tokenDir, strconv.Itoa(typeIndex)))
		if err != nil && !os.IsNotExist(err) {
			return nil, native.Errorf(native.ErrCodeInternal, "scan token dir: %v", err)
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
				seen[entry.Name()] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Library) deviceContainer(typeIndex, deviceIndex int) ([]byte, error) {
	names, err := l.deviceNames(typeIndex)
	if err != nil {
		return nil, err
	}
	if deviceIndex < 0 || deviceIndex >= len(names) {
		return nil, native.Errorf(native.ErrCodeDeviceNotFound, "no device %d for type %d", deviceIndex, typeIndex)
	}
	name := names[deviceIndex]
	if container, ok := l.devices[typeIndex][name]; ok {
		return container, nil
	}
	data, err := os.ReadFile(filepath.Join(l.tokenDir, strconv.Itoa(typeIndex), name))
	if err != nil {
		return nil, native.Errorf(native.ErrCodeDeviceNotFound, "read device %s: %v", name, err)
	}
	return data, nil
}

func publicKeyInfo(km *keyMaterial) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(km.signer.Public())
	if err != nil {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "public key: %v", err)
	}
	return der, nil
}

// parseBundle 接受 PEM 或串接的 DER 证书。
func parseBundle(bundle []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, native.Errorf(native.ErrCodeBadCertificate, "bundle certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	certs, err := x509.ParseCertificates(bundle)
	if err != nil || len(certs) == 0 {
		return nil, native.Errorf(native.ErrCodeBadCertificate, "certificate bundle is empty or unreadable")
	}
	return certs, nil
}

func notInitialized() error {
	return native.Errorf(native.ErrCodeNotInitialized, "library is not initialized")
}
