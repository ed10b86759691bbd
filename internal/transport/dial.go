package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// 支持的 endpoint 形式：unix:///path、vsock://cid:port、host:port。

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock:"))
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", endpoint)
	}
}

// Listen 按 endpoint 形式创建监听器；vsock 监听忽略 cid，仅使用端口。
func Listen(endpoint string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return net.Listen("unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return net.Listen("unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"), strings.HasPrefix(endpoint, "vsock:"):
		target := strings.TrimPrefix(strings.TrimPrefix(endpoint, "vsock://"), "vsock:")
		_, port, err := parseVsock(target)
		if err != nil {
			return nil, err
		}
		return vsock.Listen(port, nil)
	default:
		return net.Listen("tcp", endpoint)
	}
}

func parseVsock(target string) (uint32, uint32, error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(cid), uint32(port), nil
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseVsock(target)
	if err != nil {
		return nil, err
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}
