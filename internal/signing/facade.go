package signing

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-sign/signbridge/internal/enumerate"
	"github.com/aegis-sign/signbridge/internal/native"
)

// maxOwnCertificates 是单个密钥证书枚举的上界。
const maxOwnCertificates = 64

// SignerMeta 是随签名一起上传的签名者信息。
type SignerMeta struct {
	Subject   string    `json:"subject"`
	Serial    string    `json:"serial"`
	Issuer    string    `json:"issuer"`
	Timestamp time.Time `json:"timestamp"`
}

// Signature 是附加签名及其签名者信息。
type Signature struct {
	Data   []byte     `json:"-"`
	Signer SignerMeta `json:"signer"`
}

// Facade 是调用方使用的签名操作集合。每个操作先检查会话状态，初始化进行中时返回 NOT_READY。
type Facade struct {
	session *Session
	lib     Library
	now     func() time.Time
	// keyMu 使加载密钥与签名互斥，签名者信息与签名始终来自同一把密钥。
	keyMu sync.RWMutex
}

// FacadeOption 自定义 Facade。
type FacadeOption func(*Facade)

// WithFacadeClock 替换签名时间来源。
func WithFacadeClock(now func() time.Time) FacadeOption {
	return func(f *Facade) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFacade 创建 Facade。
func NewFacade(session *Session, opts ...FacadeOption) *Facade {
	f := &Facade{session: session, lib: session.Library(), now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Session 返回所属会话。
func (f *Facade) Session() *Session { return f.session }

// Initialize 幂等地完成初始化序列。
func (f *Facade) Initialize(ctx context.Context) error {
	return f.session.Ensure(ctx)
}

// ReadFileKey 从文件容器读取私钥。
func (f *Facade) ReadFileKey(ctx context.Context, container []byte, password string) (native.OwnerInfo, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return native.OwnerInfo{}, err
	}
	f.keyMu.Lock()
	defer f.keyMu.Unlock()
	return f.lib.ReadPrivateKeyBinary(ctx, container, password)
}

// ReadDeviceKey 从硬件介质读取私钥。
func (f *Facade) ReadDeviceKey(ctx context.Context, typeIndex, deviceIndex int, password string) (native.OwnerInfo, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return native.OwnerInfo{}, err
	}
	f.keyMu.Lock()
	defer f.keyMu.Unlock()
	return f.lib.ReadPrivateKeySilently(ctx, typeIndex, deviceIndex, password)
}

// FileKeyInfo 返回文件容器的公钥信息，不加载私钥。
func (f *Facade) FileKeyInfo(ctx context.Context, container []byte, password string) ([]byte, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return nil, err
	}
	return f.lib.GetKeyInfoBinary(ctx, container, password)
}

// DeviceKeyInfo 返回硬件介质上密钥的公钥信息。
func (f *Facade) DeviceKeyInfo(ctx context.Context, typeIndex, deviceIndex int, password string) ([]byte, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return nil, err
	}
	return f.lib.GetKeyInfoSilently(ctx, typeIndex, deviceIndex, password)
}

// OwnerInfo 返回已加载密钥的持有人信息。
func (f *Facade) OwnerInfo(ctx context.Context) (native.OwnerInfo, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return native.OwnerInfo{}, err
	}
	return f.lib.GetPrivateKeyOwnerInfo(ctx)
}

// OwnCertificates 枚举已加载密钥的全部证书。
func (f *Facade) OwnCertificates(ctx context.Context) ([]native.CertificateInfo, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return nil, err
	}
	seq := enumerate.EnumerateFunc(ctx, f.lib.EnumOwnCertificate, 0, maxOwnCertificates-1,
		func(c *native.CertificateInfo) bool { return c == nil })
	certs, err := enumerate.Collect(seq)
	if err != nil {
		return nil, err
	}
	out := make([]native.CertificateInfo, 0, len(certs))
	for _, c := range certs {
		out = append(out, *c)
	}
	return out, nil
}

// Sign 生成附加签名；签名者信息取自已加载密钥。
func (f *Facade) Sign(ctx context.Context, data []byte) (*Signature, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return nil, err
	}
	f.keyMu.RLock()
	defer f.keyMu.RUnlock()
	owner, err := f.lib.GetPrivateKeyOwnerInfo(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := f.lib.Sign(ctx, true, data)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Data: signed,
		Signer: SignerMeta{
			Subject:   owner.SubjCN,
			Serial:    owner.Serial,
			Issuer:    owner.IssuerCN,
			Timestamp: f.now().UTC(),
		},
	}, nil
}

// Verify 校验签名，任何有效性问题都以结构化错误返回。
func (f *Facade) Verify(ctx context.Context, signature, data []byte) (native.SignerInfo, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return native.SignerInfo{}, err
	}
	return f.lib.Verify(ctx, signature, data)
}

// SaveCertificates 保存证书（PEM 或 DER）。
func (f *Facade) SaveCertificates(ctx context.Context, bundle []byte) error {
	if err := f.session.Acquire(ctx); err != nil {
		return err
	}
	return f.lib.SaveCertificates(ctx, bundle)
}

// EnumKeyMediaType 探测 index 处的介质类型，供设备发现使用。
func (f *Facade) EnumKeyMediaType(ctx context.Context, index int) (native.KeyMediaType, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return native.KeyMediaType{}, err
	}
	return f.lib.EnumKeyMediaType(ctx, index)
}

// EnumKeyMediaDevice 探测 typeIndex 类型下 index 处的设备。
func (f *Facade) EnumKeyMediaDevice(ctx context.Context, typeIndex, index int) (string, error) {
	if err := f.session.Acquire(ctx); err != nil {
		return "", err
	}
	return f.lib.EnumKeyMediaDevice(ctx, typeIndex, index)
}
