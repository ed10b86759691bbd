package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind 区分通道上的消息类型。
type Kind string

const (
	KindRequest Kind = "request"
	KindReady   Kind = "ready"
	KindResult  Kind = "result"
)

// Outcome 是结果消息的完成方式。
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeRejected Outcome = "rejected"
)

// ErrorKind 区分远端失败来源。
type ErrorKind string

const (
	ErrorKindNative    ErrorKind = "native"
	ErrorKindTransport ErrorKind = "transport"
)

// WireError 是 rejected 结果携带的结构化错误。
type WireError struct {
	Kind    ErrorKind `cbor:"kind"`
	Code    int       `cbor:"code"`
	Message string    `cbor:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
}

// Envelope 是通道上传输的单条消息，按 Kind 使用不同字段。
type Envelope struct {
	Kind          Kind              `cbor:"kind"`
	CorrelationID string            `cbor:"id,omitempty"`
	Operation     Operation         `cbor:"op,omitempty"`
	Args          []cbor.RawMessage `cbor:"args,omitempty"`
	CreatedAt     int64             `cbor:"ts,omitempty"`
	Supported     []Operation       `cbor:"ops,omitempty"`
	Outcome       Outcome           `cbor:"outcome,omitempty"`
	Payload       cbor.RawMessage   `cbor:"payload,omitempty"`
	Error         *WireError        `cbor:"error,omitempty"`
}

// ErrMalformed 表示消息缺少必需字段。
var ErrMalformed = errors.New("malformed envelope")

// NewRequest 编码参数并构造请求消息。
func NewRequest(id string, op Operation, createdAt time.Time, args ...any) (*Envelope, error) {
	raw := make([]cbor.RawMessage, len(args))
	for i, arg := range args {
		data, err := Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, op, err)
		}
		raw[i] = data
	}
	return &Envelope{
		Kind:          KindRequest,
		CorrelationID: id,
		Operation:     op,
		Args:          raw,
		CreatedAt:     createdAt.UnixNano(),
	}, nil
}

// NewReady 构造初始化完成消息。
func NewReady(ops []Operation) *Envelope {
	return &Envelope{Kind: KindReady, Supported: append([]Operation(nil), ops...)}
}

// NewResolved 构造成功结果。
func NewResolved(id string, payload any) (*Envelope, error) {
	data, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindResult, CorrelationID: id, Outcome: OutcomeResolved, Payload: data}, nil
}

// NewRejected 构造失败结果。
func NewRejected(id string, wireErr *WireError) *Envelope {
	return &Envelope{Kind: KindResult, CorrelationID: id, Outcome: OutcomeRejected, Error: wireErr}
}

// Validate 检查消息是否满足对应 Kind 的最小字段要求。
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrMalformed
	}
	switch e.Kind {
	case KindRequest:
		if e.CorrelationID == "" || e.Operation == "" {
			return fmt.Errorf("%w: request without id or operation", ErrMalformed)
		}
	case KindReady:
	case KindResult:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w: result without id", ErrMalformed)
		}
		if e.Outcome != OutcomeResolved && e.Outcome != OutcomeRejected {
			return fmt.Errorf("%w: unknown outcome %q", ErrMalformed, e.Outcome)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// DecodeArg 将第 i 个参数解码到 v。
func (e *Envelope) DecodeArg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("%w: %s expects argument %d, got %d", ErrMalformed, e.Operation, i, len(e.Args))
	}
	if err := Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("%w: argument %d of %s: %v", ErrMalformed, i, e.Operation, err)
	}
	return nil
}

// Payload 是 resolved 结果的原始编码值。
type Payload cbor.RawMessage

// Decode 将结果解码到 v，空结果保持 v 不变。
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}
	return Unmarshal(p, v)
}
