package validator

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PayloadEncoding 描述 API 中二进制字段的文本编码。
type PayloadEncoding string

const (
	PayloadEncodingBase64 PayloadEncoding = "base64"
	PayloadEncodingHex    PayloadEncoding = "hex"
	PayloadEncodingText   PayloadEncoding = "text"
)

// MaxPayloadBytes 限制单次签名/验签数据大小。
const MaxPayloadBytes = 32 << 20

var (
	errEmptyPayload    = errors.New("payload must not be empty")
	errPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
)

// NormalizeEncoding 将用户输入转换为内部常量，默认 base64。
func NormalizeEncoding(raw string) (PayloadEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(PayloadEncodingBase64):
		return PayloadEncodingBase64, nil
	case string(PayloadEncodingHex):
		return PayloadEncodingHex, nil
	case string(PayloadEncodingText), "utf8", "utf-8":
		return PayloadEncodingText, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

// DecodePayload 将文本解码为二进制并校验长度。
func DecodePayload(payload string, enc PayloadEncoding) ([]byte, error) {
	if payload == "" {
		return nil, errEmptyPayload
	}
	var (
		decoded []byte
		err     error
	)
	switch enc {
	case PayloadEncodingBase64:
		decoded, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
	case PayloadEncodingHex:
		decoded, err = hex.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
	case PayloadEncodingText:
		decoded = []byte(payload)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if len(decoded) == 0 {
		return nil, errEmptyPayload
	}
	if len(decoded) > MaxPayloadBytes {
		return nil, errPayloadTooLarge
	}
	return decoded, nil
}

// EncodePayload 按指定编码输出文本，text 编码退化为 base64。
func EncodePayload(data []byte, enc PayloadEncoding) string {
	if enc == PayloadEncodingHex {
		return hex.EncodeToString(data)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// ValidateIndex 校验介质/设备序号位于 [0, max]。
func ValidateIndex(name string, value, max int) error {
	if value < 0 || value > max {
		return fmt.Errorf("%s must be within [0, %d]", name, max)
	}
	return nil
}
