package signing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
)

// InPage 在当前进程内直接调用签名库，调用互斥执行。
type InPage struct {
	mu  sync.Mutex
	lib native.Library
}

var _ Library = (*InPage)(nil)

// NewInPage 包装一个已加载的签名库实例，不修改其类型。
func NewInPage(lib native.Library) *InPage {
	return &InPage{lib: lib}
}

func inPage[T any](ctx context.Context, p *InPage, fn func(native.Library) (T, error)) (v T, err error) {
	if err := ctx.Err(); err != nil {
		return v, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = apierrors.NewNative(native.ErrCodeInternal, fmt.Sprintf("native call panicked: %v", r))
		}
	}()
	v, err = fn(p.lib)
	if err != nil {
		return v, fromNative(err)
	}
	return v, nil
}

// fromNative 把签名库错误转换为带原始码的分类错误。
func fromNative(err error) error {
	if nerr, ok := native.AsError(err); ok {
		return apierrors.NewNative(nerr.Code, nerr.Message)
	}
	return apierrors.NewNative(native.ErrCodeInternal, err.Error())
}

func (p *InPage) Initialize(ctx context.Context) error {
	_, err := inPage(ctx, p, func(lib native.Library) (struct{}, error) { return struct{}{}, lib.Initialize() })
	return err
}

func (p *InPage) DoesNeedSetSettings(ctx context.Context) (bool, error) {
	return inPage(ctx, p, func(lib native.Library) (bool, error) { return lib.DoesNeedSetSettings() })
}

func (p *InPage) SetSettings(ctx context.Context, settings native.Settings) error {
	_, err := inPage(ctx, p, func(lib native.Library) (struct{}, error) { return struct{}{}, lib.SetSettings(settings) })
	return err
}

func (p *InPage) SaveCertificates(ctx context.Context, bundle []byte) error {
	_, err := inPage(ctx, p, func(lib native.Library) (struct{}, error) { return struct{}{}, lib.SaveCertificates(bundle) })
	return err
}

func (p *InPage) EnumKeyMediaType(ctx context.Context, index int) (native.KeyMediaType, error) {
	return inPage(ctx, p, func(lib native.Library) (native.KeyMediaType, error) { return lib.EnumKeyMediaTypes(index) })
}

func (p *InPage) EnumKeyMediaDevice(ctx context.Context, typeIndex, index int) (string, error) {
	return inPage(ctx, p, func(lib native.Library) (string, error) { return lib.EnumKeyMediaDevices(typeIndex, index) })
}

func (p *InPage) ReadPrivateKeyBinary(ctx context.Context, container []byte, password string) (native.OwnerInfo, error) {
	return inPage(ctx, p, func(lib native.Library) (native.OwnerInfo, error) {
		return lib.ReadPrivateKeyBinary(container, password)
	})
}

func (p *InPage) ReadPrivateKeySilently(ctx context.Context, typeIndex, deviceIndex int, password string) (native.OwnerInfo, error) {
	return inPage(ctx, p, func(lib native.Library) (native.OwnerInfo, error) {
		return lib.ReadPrivateKeySilently(typeIndex, deviceIndex, password)
	})
}

func (p *InPage) GetKeyInfoBinary(ctx context.Context, container []byte, password string) ([]byte, error) {
	return inPage(ctx, p, func(lib native.Library) ([]byte, error) { return lib.GetKeyInfoBinary(container, password) })
}

func (p *InPage) GetKeyInfoSilently(ctx context.Context, typeIndex, deviceIndex int, password string) ([]byte, error) {
	return inPage(ctx, p, func(lib native.Library) ([]byte, error) {
		return lib.GetKeyInfoSilently(typeIndex, deviceIndex, password)
	})
}

func (p *InPage) GetPrivateKeyOwnerInfo(ctx context.Context) (native.OwnerInfo, error) {
	return inPage(ctx, p, func(lib native.Library) (native.OwnerInfo, error) { return lib.GetPrivateKeyOwnerInfo() })
}

func (p *InPage) EnumOwnCertificate(ctx context.Context, index int) (*native.CertificateInfo, error) {
	return inPage(ctx, p, func(lib native.Library) (*native.CertificateInfo, error) { return lib.EnumOwnCertificates(index) })
}

func (p *InPage) Sign(ctx context.Context, attached bool, data []byte) ([]byte, error) {
	return inPage(ctx, p, func(lib native.Library) ([]byte, error) { return lib.Sign(attached, data) })
}

func (p *InPage) Verify(ctx context.Context, signature, data []byte) (native.SignerInfo, error) {
	return inPage(ctx, p, func(lib native.Library) (native.SignerInfo, error) { return lib.Verify(signature, data) })
}
