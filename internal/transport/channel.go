// Package transport 提供主进程与隔离执行环境之间的双向消息通道。
package transport

import (
	"context"
	"errors"

	"github.com/aegis-sign/signbridge/internal/protocol"
)

// ErrClosed 表示通道已关闭。
var ErrClosed = errors.New("channel closed")

// Channel 是单条双向消息通道。Send 可并发调用，Recv 只允许一个读者。
// Recv 遇到无法解码的帧时返回包装了 protocol.ErrMalformed 的错误，通道保持可用；
// 其余错误表示通道已不可用。
type Channel interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Recv(ctx context.Context) (*protocol.Envelope, error)
	Close() error
}
