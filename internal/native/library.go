// Package native 定义第三方签名库的同步调用契约。
//
// 签名库本身不可重入：同一实例上的调用必须串行执行，由上层适配器保证。
package native

import (
	"errors"
	"fmt"
	"time"
)

// 签名库错误码。
const (
	ErrCodeNotInitialized   = 1
	ErrCodeBadParameter     = 2
	ErrCodeSettingsRequired = 3
	ErrCodeKeyNotLoaded     = 10
	ErrCodeBadPassword      = 11
	ErrCodeBadKeyContainer  = 12
	ErrCodeDeviceNotFound   = 13
	ErrCodeBadCertificate   = 20
	ErrCodeCertNotTrusted   = 21
	ErrCodeCertRevoked      = 22
	ErrCodeIssuerNotTrusted = 23
	ErrCodeBadSignature     = 30
	ErrCodeDataMismatch     = 31
	ErrCodeSignFailed       = 32
	ErrCodeInternal         = 99
)

// Error 是签名库返回的结构化错误。
type Error struct {
	Code    int
	Message string
}

// Errorf 构造签名库错误。
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("native error %d: %s", e.Code, e.Message)
}

// AsError 从错误链中提取签名库错误。
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Library 是签名库暴露的原语集合。所有方法同步返回。
type Library interface {
	Initialize() error
	DoesNeedSetSettings() (bool, error)
	SetSettings(settings Settings) error
	SaveCertificates(bundle []byte) error

	// EnumKeyMediaTypes 返回 index 处的介质类型，越界时返回零值。
	EnumKeyMediaTypes(index int) (KeyMediaType, error)
	// EnumKeyMediaDevices 返回 typeIndex 类型下 index 处的设备描述，越界时返回空串。
	EnumKeyMediaDevices(typeIndex, index int) (string, error)

	ReadPrivateKeyBinary(container []byte, password string) (OwnerInfo, error)
	ReadPrivateKeySilently(typeIndex, deviceIndex int, password string) (OwnerInfo, error)
	GetKeyInfoBinary(container []byte, password string) ([]byte, error)
	GetKeyInfoSilently(typeIndex, deviceIndex int, password string) ([]byte, error)
	GetPrivateKeyOwnerInfo() (OwnerInfo, error)
	// EnumOwnCertificates 返回已加载密钥的第 index 张证书，越界时返回 nil。
	EnumOwnCertificates(index int) (*CertificateInfo, error)

	Sign(attached bool, data []byte) ([]byte, error)
	Verify(signature, data []byte) (SignerInfo, error)
}

// KeyMediaType 是签名库枚举出的介质类型。Code 为库内类型码，Label 为空表示枚举结束。
type KeyMediaType struct {
	Code  int
	Label string
}

// OwnerInfo 描述密钥持有人证书信息。
type OwnerInfo struct {
	Issuer         string
	IssuerCN       string
	Serial         string
	SubjCN         string
	SubjFullName   string
	SubjOrg        string
	SubjOrgUnit    string
	SubjTitle      string
	SubjLocality   string
	SubjEMail      string
	SubjPhone      string
	SubjDRFOCode   string
	SubjEDRPOUCode string
}

// CertificateInfo 描述一张持有人证书。
type CertificateInfo struct {
	Serial    string
	Issuer    string
	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
	KeyUsage  string
	Data      []byte
}

// SignerInfo 是验签成功后返回的签名者信息。
type SignerInfo struct {
	Owner       OwnerInfo
	SigningTime time.Time
}

// OCSPAccessPoint 为某个颁发者指定 OCSP 访问点。
type OCSPAccessPoint struct {
	IssuerCN string
	Address  string
	Port     string
}

// Settings 是初始化阶段推送给签名库的配置。
type Settings struct {
	ProxyURL          string
	UseOCSP           bool
	GetTimestamps     bool
	OCSPAccessPoints  []OCSPAccessPoint
	DirectAccessHosts []string
	TrustedIssuers    []string
}
