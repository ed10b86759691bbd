package signing

import (
	"context"

	"github.com/aegis-sign/signbridge/internal/bridge"
	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
)

// Remote 通过关联桥调用隔离环境中的签名库。
type Remote struct {
	bridge *bridge.Bridge
}

var _ Library = (*Remote)(nil)

// NewRemote 包装一个 Bridge。
func NewRemote(b *bridge.Bridge) *Remote {
	return &Remote{bridge: b}
}

func remoteCall[T any](ctx context.Context, r *Remote, op protocol.Operation, args ...any) (T, error) {
	var v T
	payload, err := r.bridge.Call(ctx, op, args...)
	if err != nil {
		return v, err
	}
	if err := payload.Decode(&v); err != nil {
		return v, apierrors.Newf(apierrors.CodeTransport, "decode %s result", op).WithCause(err)
	}
	return v, nil
}

func (r *Remote) Initialize(ctx context.Context) error {
	_, err := r.bridge.Call(ctx, protocol.OpInitialize)
	return err
}

func (r *Remote) DoesNeedSetSettings(ctx context.Context) (bool, error) {
	return remoteCall[bool](ctx, r, protocol.OpDoesNeedSetSettings)
}

func (r *Remote) SetSettings(ctx context.Context, settings native.Settings) error {
	_, err := r.bridge.Call(ctx, protocol.OpSetSettings, settings)
	return err
}

func (r *Remote) SaveCertificates(ctx context.Context, bundle []byte) error {
	_, err := r.bridge.Call(ctx, protocol.OpSaveCertificates, bundle)
	return err
}

func (r *Remote) EnumKeyMediaType(ctx context.Context, index int) (native.KeyMediaType, error) {
	return remoteCall[native.KeyMediaType](ctx, r, protocol.OpEnumKeyMediaTypes, index)
}

func (r *Remote) EnumKeyMediaDevice(ctx context.Context, typeIndex, index int) (string, error) {
	return remoteCall[string](ctx, r, protocol.OpEnumKeyMediaDevices, typeIndex, index)
}

func (r *Remote) ReadPrivateKeyBinary(ctx context.Context, container []byte, password string) (native.OwnerInfo, error) {
	return remoteCall[native.OwnerInfo](ctx, r, protocol.OpReadPrivateKeyBinary, container, password)
}

func (r *Remote) ReadPrivateKeySilently(ctx context.Context, typeIndex, deviceIndex int, password string) (native.OwnerInfo, error) {
	return remoteCall[native.OwnerInfo](ctx, r, protocol.OpReadPrivateKeySilently, typeIndex, deviceIndex, password)
}

func (r *Remote) GetKeyInfoBinary(ctx context.Context, container []byte, password string) ([]byte, error) {
	return remoteCall[[]byte](ctx, r, protocol.OpGetKeyInfoBinary, container, password)
}

func (r *Remote) GetKeyInfoSilently(ctx context.Context, typeIndex, deviceIndex int, password string) ([]byte, error) {
	return remoteCall[[]byte](ctx, r, protocol.OpGetKeyInfoSilently, typeIndex, deviceIndex, password)
}

func (r *Remote) GetPrivateKeyOwnerInfo(ctx context.Context) (native.OwnerInfo, error) {
	return remoteCall[native.OwnerInfo](ctx, r, protocol.OpGetPrivateKeyOwnerInfo)
}

func (r *Remote) EnumOwnCertificate(ctx context.Context, index int) (*native.CertificateInfo, error) {
	return remoteCall[*native.CertificateInfo](ctx, r, protocol.OpEnumOwnCertificates, index)
}

func (r *Remote) Sign(ctx context.Context, attached bool, data []byte) ([]byte, error) {
	return remoteCall[[]byte](ctx, r, protocol.OpSign, attached, data)
}

func (r *Remote) Verify(ctx context.Context, signature, data []byte) (native.SignerInfo, error) {
	return remoteCall[native.SignerInfo](ctx, r, protocol.OpVerify, signature, data)
}
