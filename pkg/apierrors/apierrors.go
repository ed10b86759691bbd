package apierrors

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一错误分类码。
type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotReady           Code = "NOT_READY"
	CodeTransport          Code = "TRANSPORT_ERROR"
	CodeNativeLibrary      Code = "NATIVE_LIBRARY_ERROR"
	CodeEnumeration        Code = "ENUMERATION_ERROR"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeJobFailed          Code = "JOB_FAILED"
	CodeRetryLater         Code = "RETRY_LATER"
	CodeInternal           Code = "INTERNAL_ERROR"
)

var httpStatusMap = map[Code]int{
	CodeInvalidArgument:    400,
	CodeNotReady:           503,
	CodeTransport:          502,
	CodeNativeLibrary:      422,
	CodeEnumeration:        502,
	CodeMaxRetriesExceeded: 504,
	CodeJobFailed:          424,
	CodeRetryLater:         429,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeInvalidArgument:    codes.InvalidArgument,
	CodeNotReady:           codes.Unavailable,
	CodeTransport:          codes.Unavailable,
	CodeNativeLibrary:      codes.FailedPrecondition,
	CodeEnumeration:        codes.Aborted,
	CodeMaxRetriesExceeded: codes.DeadlineExceeded,
	CodeJobFailed:          codes.Aborted,
	CodeRetryLater:         codes.ResourceExhausted,
}

// Error 表示带分类码的错误，NativeCode 保留签名库原始错误码。
type Error struct {
	Code       Code
	Message    string
	NativeCode int
	retryAfter time.Duration
	cause      error
}

// New 创建一个新的错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 以格式化消息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewNative 创建签名库错误，原样保留 code/message。
func NewNative(nativeCode int, message string) *Error {
	return &Error{Code: CodeNativeLibrary, Message: message, NativeCode: nativeCode}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// WithCause 记录底层原因，可通过 errors.Is/As 访问。
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	if e.NativeCode == 0 {
		if inner, ok := FromError(err); ok {
			e.NativeCode = inner.NativeCode
		}
	}
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap 暴露底层原因。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按分类码比较，便于 errors.Is(err, apierrors.New(code, "")) 判断。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// FromError 尝试从通用 error 中解析分类错误（取最外层）。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode 判断错误链上是否存在指定分类码。
func HasCode(err error, code Code) bool {
	_, ok := FindCode(err, code)
	return ok
}

// FindCode 返回错误链上第一个带指定分类码的错误。
func FindCode(err error, code Code) (*Error, bool) {
	for err != nil {
		if apiErr, ok := err.(*Error); ok && apiErr.Code == code {
			return apiErr, true
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeNotReady || code == CodeRetryLater
}
