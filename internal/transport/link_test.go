package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// echoServe 回显请求的操作名。
func echoServe(ctx context.Context, ch Channel) error {
	if err := ch.Send(ctx, protocol.NewReady([]protocol.Operation{protocol.OpSign})); err != nil {
		return err
	}
	for {
		env, err := ch.Recv(ctx)
		if errors.Is(err, protocol.ErrMalformed) {
			continue
		}
		if err != nil {
			return err
		}
		reply, err := protocol.NewResolved(env.CorrelationID, string(env.Operation))
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, reply); err != nil {
			return err
		}
	}
}

func setupBufLink(t *testing.T) (*Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := NewServer(echoServe)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return srv, lis
}

func bufDialer(lis *bufconn.Listener) LinkOption {
	return WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() })
}

func TestLinkRoundTrip(t *testing.T) {
	_, lis := setupBufLink(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	link, err := Dial(ctx, "bufnet", DefaultConfig(), bufDialer(lis), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	ready, err := link.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.KindReady, ready.Kind)
	require.Equal(t, []protocol.Operation{protocol.OpSign}, ready.Supported)

	req, err := protocol.NewRequest("c1", protocol.OpSign, time.Now(), true, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, link.Send(ctx, req))

	reply, err := link.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "c1", reply.CorrelationID)
	var op string
	require.NoError(t, protocol.Payload(reply.Payload).Decode(&op))
	require.Equal(t, "Sign", op)

	require.NoError(t, link.CheckHealth(ctx))
}

func TestLinkSurvivesUndecodableFrame(t *testing.T) {
	_, lis := setupBufLink(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	link, err := Dial(ctx, "bufnet", DefaultConfig(), bufDialer(lis), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	_, err = link.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, link.stream.SendMsg(&rawFrame{data: []byte{0xff, 0x00}}))
	req, err := protocol.NewRequest("c2", protocol.OpSign, time.Now())
	require.NoError(t, err)
	require.NoError(t, link.Send(ctx, req))

	reply, err := link.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "c2", reply.CorrelationID)
}

func TestLinkHealthAfterStop(t *testing.T) {
	srv, lis := setupBufLink(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	link, err := Dial(ctx, "bufnet", DefaultConfig(), bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	srv.Stop()

	require.Error(t, link.CheckHealth(ctx))
}

func TestDialWithRetryGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDialAttempts = 2
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.Backoff = BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond}
	var attempts atomic.Int32
	dialer := WithContextDialer(func(context.Context, string) (net.Conn, error) {
		attempts.Add(1)
		return nil, net.ErrClosed
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialWithRetry(ctx, "nowhere", cfg, dialer, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestPipeDeliversBothWays(t *testing.T) {
	a, b := Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.Send(ctx, protocol.NewReady(protocol.AllOperations())))
	ready, err := a.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, ready.Supported, 14)

	req, err := protocol.NewRequest("c9", protocol.OpVerify, time.Now(), []byte("s"), []byte("d"))
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, req))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "c9", got.CorrelationID)

	require.NoError(t, a.Close())
	_, err = b.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.Send(ctx, req), ErrClosed)
}

func TestPipeReportsUndecodableFrameAndStaysOpen(t *testing.T) {
	a, b := Pipe(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a.(*pipeEnd).out <- []byte{0xff, 0x00}
	require.NoError(t, a.Send(ctx, protocol.NewReady(nil)))

	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, protocol.ErrMalformed)
	env, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.KindReady, env.Kind)
}

func TestPipeRecvHonoursContext(t *testing.T) {
	a, _ := Pipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SIGNBRIDGE_LINK_DIAL_TIMEOUT", "3s")
	t.Setenv("SIGNBRIDGE_LINK_DIAL_ATTEMPTS", "7")
	t.Setenv("SIGNBRIDGE_LINK_RETRY_INITIAL", "5s")
	t.Setenv("SIGNBRIDGE_LINK_RETRY_MAX", "1s")
	t.Setenv("SIGNBRIDGE_LINK_RETRY_JITTER", "0")

	cfg := LoadConfigFromEnv()
	require.Equal(t, 3*time.Second, cfg.DialTimeout)
	require.Equal(t, 7, cfg.MaxDialAttempts)
	require.Equal(t, 5*time.Second, cfg.Backoff.Max)
	require.Zero(t, cfg.Backoff.Jitter)
	require.Equal(t, linkServiceName, cfg.ServiceName)
}

func TestRedialWaitDoublesUpToMax(t *testing.T) {
	p := newRedialPolicy(BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	require.Equal(t, 10*time.Millisecond, p.wait(1))
	require.Equal(t, 20*time.Millisecond, p.wait(2))
	require.Equal(t, 40*time.Millisecond, p.wait(3))
	require.Equal(t, 40*time.Millisecond, p.wait(50))
	require.Equal(t, 10*time.Millisecond, p.wait(0))
}

func TestRedialJitterStaysWithinBounds(t *testing.T) {
	p := redialPolicy{
		cfg:    BackoffConfig{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Jitter: 0.5},
		jitter: func() float64 { return 0 },
	}
	require.Equal(t, 10*time.Millisecond, p.wait(1))
	require.Equal(t, 20*time.Millisecond, p.wait(3))
	p.jitter = func() float64 { return 0.999 }
	require.Equal(t, 100*time.Millisecond, p.wait(4))
}

func TestRedialSleepHonoursContext(t *testing.T) {
	p := newRedialPolicy(BackoffConfig{Initial: time.Hour, Max: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.sleep(ctx, 1), context.Canceled)
}

func TestParseVsock(t *testing.T) {
	cid, port, err := parseVsock("16:5000")
	require.NoError(t, err)
	require.Equal(t, uint32(16), cid)
	require.Equal(t, uint32(5000), port)
	_, _, err = parseVsock("bad")
	require.Error(t, err)
}
