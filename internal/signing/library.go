// Package signing 提供统一的可等待签名操作，屏蔽页内直连与隔离 worker 两种执行方式。
package signing

import (
	"context"

	"github.com/aegis-sign/signbridge/internal/native"
)

// Library 是签名库能力接口，由 InPage 与 Remote 两种适配器实现。
// 失败时返回 apierrors.Error，签名库错误保留原始 code/message。
type Library interface {
	Initialize(ctx context.Context) error
	DoesNeedSetSettings(ctx context.Context) (bool, error)
	SetSettings(ctx context.Context, settings native.Settings) error
	SaveCertificates(ctx context.Context, bundle []byte) error

	EnumKeyMediaType(ctx context.Context, index int) (native.KeyMediaType, error)
	EnumKeyMediaDevice(ctx context.Context, typeIndex, index int) (string, error)

	ReadPrivateKeyBinary(ctx context.Context, container []byte, password string) (native.OwnerInfo, error)
	ReadPrivateKeySilently(ctx context.Context, typeIndex, deviceIndex int, password string) (native.OwnerInfo, error)
	GetKeyInfoBinary(ctx context.Context, container []byte, password string) ([]byte, error)
	GetKeyInfoSilently(ctx context.Context, typeIndex, deviceIndex int, password string) ([]byte, error)
	GetPrivateKeyOwnerInfo(ctx context.Context) (native.OwnerInfo, error)
	EnumOwnCertificate(ctx context.Context, index int) (*native.CertificateInfo, error)

	Sign(ctx context.Context, attached bool, data []byte) ([]byte, error)
	Verify(ctx context.Context, signature, data []byte) (native.SignerInfo, error)
}
