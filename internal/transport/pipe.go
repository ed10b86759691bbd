package transport

import (
	"context"
	"sync"

	"github.com/aegis-sign/signbridge/internal/protocol"
)

// Pipe 创建一对进程内通道端点，用于在 goroutine 中运行 worker。
// 消息以编码后的字节传递，两端不共享任何可变状态。
func Pipe(buffer int) (Channel, Channel) {
	if buffer < 0 {
		buffer = 0
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: shared}, &pipeEnd{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case data := <-p.in:
		return protocol.DecodeFrame(data)
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 关闭整条管道，两端后续操作均返回 ErrClosed。
func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
