package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// ContentType 是通道帧的内容类型。
const ContentType = "application/cbor"

// Marshal 使用确定性 CBOR 编码。
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal 解码 CBOR 数据。
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Encode 编码一条消息。
func Encode(env *Envelope) ([]byte, error) { return encMode.Marshal(env) }

// DecodeFrame 解码单个通道帧，不做字段校验。无法解码的帧返回包装了 ErrMalformed 的错误，
// 通道本身仍然可用。
func DecodeFrame(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// Decode 解码并校验一条消息。
func Decode(data []byte) (*Envelope, error) {
	env, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
