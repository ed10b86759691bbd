package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T, opts ...Option) (*Bridge, transport.Channel) {
	t.Helper()
	local, remote := transport.Pipe(16)
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	b := New(local, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, remote
}

func sendReady(t *testing.T, remote transport.Channel, ops ...protocol.Operation) {
	t.Helper()
	if len(ops) == 0 {
		ops = protocol.AllOperations()
	}
	require.NoError(t, remote.Send(context.Background(), protocol.NewReady(ops)))
}

func recvRequest(t *testing.T, remote transport.Channel) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := remote.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.KindRequest, env.Kind)
	return env
}

func resolve(t *testing.T, remote transport.Channel, id string, payload any) {
	t.Helper()
	env, err := protocol.NewResolved(id, payload)
	require.NoError(t, err)
	require.NoError(t, remote.Send(context.Background(), env))
}

func TestCallsMatchByCorrelationID(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote)
	const n = 12

	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := b.Call(context.Background(), protocol.OpSign, true, []byte(fmt.Sprintf("doc-%d", i)))
			errs[i] = err
			if err == nil {
				errs[i] = payload.Decode(&results[i])
			}
		}(i)
	}

	requests := make([]*protocol.Envelope, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, recvRequest(t, remote))
	}
	rand.New(rand.NewSource(7)).Shuffle(n, func(i, j int) { requests[i], requests[j] = requests[j], requests[i] })
	for _, req := range requests {
		var data []byte
		require.NoError(t, req.DecodeArg(1, &data))
		resolve(t, remote, req.CorrelationID, "signed:"+string(data))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("signed:doc-%d", i), results[i])
	}
	require.Zero(t, b.Pending())
}

func TestDuplicateResultIsDiscarded(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote)

	done := make(chan string, 1)
	go func() {
		payload, err := b.Call(context.Background(), protocol.OpGetPrivateKeyOwnerInfo)
		if err != nil {
			done <- err.Error()
			return
		}
		var v string
		_ = payload.Decode(&v)
		done <- v
	}()
	req := recvRequest(t, remote)
	resolve(t, remote, req.CorrelationID, "first")
	resolve(t, remote, req.CorrelationID, "second")
	rejected := protocol.NewRejected(req.CorrelationID, &protocol.WireError{Kind: protocol.ErrorKindNative, Code: 1, Message: "late"})
	require.NoError(t, remote.Send(context.Background(), rejected))

	require.Equal(t, "first", <-done)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.metrics.discarded.WithLabelValues("stale")) == 2
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, b.Pending())
}

func TestNativeRejectionKeepsCodeAndMessage(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), protocol.OpReadPrivateKeyBinary, []byte("c"), "pw")
		errCh <- err
	}()
	req := recvRequest(t, remote)
	wire := &protocol.WireError{Kind: protocol.ErrorKindNative, Code: 11, Message: "bad password"}
	require.NoError(t, remote.Send(context.Background(), protocol.NewRejected(req.CorrelationID, wire)))

	err := <-errCh
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeNativeLibrary, apiErr.Code)
	require.Equal(t, 11, apiErr.NativeCode)
	require.Equal(t, "bad password", apiErr.Message)
}

func TestUnsupportedOperationRejectedLocally(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote, protocol.OpInitialize)

	_, err := b.Call(context.Background(), protocol.OpSign, true, []byte("x"))
	require.True(t, apierrors.HasCode(err, apierrors.CodeTransport))

	_, err = b.Call(context.Background(), protocol.Operation("Eval"))
	require.True(t, apierrors.HasCode(err, apierrors.CodeTransport))

	require.Equal(t, []protocol.Operation{protocol.OpInitialize}, b.Supported())
	require.Zero(t, b.Pending())
}

func TestCancelledCallLeavesNoPendingEntry(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, protocol.OpInitialize)
		errCh <- err
	}()
	req := recvRequest(t, remote)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Zero(t, b.Pending())

	resolve(t, remote, req.CorrelationID, nil)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.metrics.discarded.WithLabelValues("stale")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannelFailureRejectsPendingCalls(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Call(context.Background(), protocol.OpEnumOwnCertificates, 0)
			errCh <- err
		}()
	}
	recvRequest(t, remote)
	recvRequest(t, remote)
	require.NoError(t, remote.Close())

	for i := 0; i < 2; i++ {
		err := <-errCh
		require.True(t, apierrors.HasCode(err, apierrors.CodeTransport))
		require.True(t, errors.Is(err, transport.ErrClosed))
	}
	require.Zero(t, b.Pending())

	_, err := b.Call(context.Background(), protocol.OpInitialize)
	require.True(t, apierrors.HasCode(err, apierrors.CodeTransport))
}

func TestReadyFailsWhenChannelClosesFirst(t *testing.T) {
	b, remote := newTestBridge(t)
	require.NoError(t, remote.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.Ready(ctx)
	require.True(t, apierrors.HasCode(err, apierrors.CodeTransport))
	require.Nil(t, b.Supported())
}

func TestCollidingIDsAreRegenerated(t *testing.T) {
	ids := []string{"a", "a", "b"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
	b, remote := newTestBridge(t, WithIDGenerator(gen))
	sendReady(t, remote)

	first := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), protocol.OpInitialize)
		first <- err
	}()
	req1 := recvRequest(t, remote)
	require.Equal(t, "a", req1.CorrelationID)

	second := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), protocol.OpInitialize)
		second <- err
	}()
	req2 := recvRequest(t, remote)
	require.Equal(t, "b", req2.CorrelationID)

	resolve(t, remote, "b", nil)
	resolve(t, remote, "a", nil)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	b, remote := newTestBridge(t)
	require.NoError(t, remote.Send(context.Background(), &protocol.Envelope{Kind: protocol.KindResult}))
	require.NoError(t, remote.Send(context.Background(), &protocol.Envelope{Kind: "bogus"}))
	sendReady(t, remote)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Ready(ctx))
	require.Equal(t, 2.0, testutil.ToFloat64(b.metrics.discarded.WithLabelValues("malformed")))
}

// garbledChannel 在第一次 Recv 时交付一帧无法解码的数据。
type garbledChannel struct {
	transport.Channel
	once sync.Once
}

func (g *garbledChannel) Recv(ctx context.Context) (*protocol.Envelope, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		return protocol.DecodeFrame([]byte{0xff, 0x00})
	}
	return g.Channel.Recv(ctx)
}

func TestUndecodableFrameIsDiscarded(t *testing.T) {
	local, remote := transport.Pipe(4)
	b := New(&garbledChannel{Channel: local}, WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = b.Close() })
	sendReady(t, remote)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), protocol.OpInitialize)
		done <- err
	}()
	req := recvRequest(t, remote)
	resolve(t, remote, req.CorrelationID, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete after an undecodable frame")
	}
	require.Equal(t, 1.0, testutil.ToFloat64(b.metrics.discarded.WithLabelValues("malformed")))
	select {
	case <-b.Done():
		t.Fatal("read loop exited")
	default:
	}
}

func TestMaxInFlightBlocksUntilSettled(t *testing.T) {
	b, remote := newTestBridge(t, WithMaxInFlight(1))
	sendReady(t, remote)

	go func() { _, _ = b.Call(context.Background(), protocol.OpInitialize) }()
	req := recvRequest(t, remote)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, protocol.OpInitialize)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	resolve(t, remote, req.CorrelationID, nil)
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDebugHandlerListsInFlightCalls(t *testing.T) {
	b, remote := newTestBridge(t)
	sendReady(t, remote, protocol.OpSign)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), protocol.OpSign, true, []byte("doc"))
		done <- err
	}()
	req := recvRequest(t, remote)

	rr := httptest.NewRecorder()
	b.DebugHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/bridge", nil))
	var snap debugSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.True(t, snap.Ready)
	require.False(t, snap.Closed)
	require.Equal(t, []protocol.Operation{protocol.OpSign}, snap.Supported)
	require.Len(t, snap.InFlight, 1)
	require.Equal(t, req.CorrelationID, snap.InFlight[0].CorrelationID)
	require.Equal(t, protocol.OpSign, snap.InFlight[0].Operation)

	resolve(t, remote, req.CorrelationID, []byte("signed"))
	require.NoError(t, <-done)
	require.Empty(t, b.snapshot().InFlight)
}
