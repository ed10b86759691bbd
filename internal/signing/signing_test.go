package signing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/signbridge/internal/bridge"
	"github.com/aegis-sign/signbridge/internal/discovery"
	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/native/softlib"
	"github.com/aegis-sign/signbridge/internal/native/softlib/softlibtest"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/aegis-sign/signbridge/internal/worker"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const caListJSON = `[
  {"issuerCNs": ["Test Qualified CA", "Test Qualified CA 2"], "address": "https://ca.example.test/services",
   "ocspAccessPointAddress": "ocsp.example.test", "ocspAccessPointPort": "80",
   "tspAddress": "http://tsp.example.test/tsp", "directAccess": true},
  {"issuerCNs": ["Other CA"], "address": "other.example.test", "ocspAccessPointAddress": "ocsp.other.test",
   "ocspAccessPointPort": "8080", "tspAddress": "", "directAccess": false}
]`

type countingLib struct {
	Library
	inits    atomic.Int32
	gate     chan struct{}
	failInit error
	mu       sync.Mutex
	settings []native.Settings
}

func (c *countingLib) Initialize(ctx context.Context) error {
	c.inits.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.failInit != nil {
		return c.failInit
	}
	return c.Library.Initialize(ctx)
}

func (c *countingLib) SetSettings(ctx context.Context, s native.Settings) error {
	c.mu.Lock()
	c.settings = append(c.settings, s)
	c.mu.Unlock()
	return c.Library.SetSettings(ctx, s)
}

func writeTrustFiles(t *testing.T, pki *softlibtest.PKI) (caList, anchors string) {
	t.Helper()
	dir := t.TempDir()
	caList = filepath.Join(dir, "CAs.json")
	anchors = filepath.Join(dir, "CACertificates.pem")
	require.NoError(t, os.WriteFile(caList, []byte(caListJSON), 0o600))
	require.NoError(t, os.WriteFile(anchors, pki.CAPEM, 0o600))
	return caList, anchors
}

func sessionConfig(caList, anchors string) SessionConfig {
	return SessionConfig{
		Settings:          SettingsOptions{ProxyURL: "http://proxy.local/handler", UseOCSP: true, GetTimestamps: true, ExtraDirectHosts: []string{"czo.gov.ua"}},
		CAListSource:      caList,
		TrustAnchorSource: anchors,
	}
}

func TestSessionInitializesOnceUnderConcurrency(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	caList, anchors := writeTrustFiles(t, pki)
	lib := &countingLib{Library: NewInPage(softlib.New()), gate: make(chan struct{})}
	session := NewSession(lib, sessionConfig(caList, anchors))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- session.Ensure(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return session.State() == StateInitializing }, time.Second, 5*time.Millisecond)
	require.True(t, apierrors.HasCode(session.Check(), apierrors.CodeNotReady))
	close(lib.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), lib.inits.Load())
	require.Equal(t, StateReady, session.State())
	require.NoError(t, session.Check())

	require.NoError(t, session.Ensure(context.Background()))
	require.Equal(t, int32(1), lib.inits.Load())
	require.Len(t, lib.settings, 1)
	require.Equal(t, []string{"Test Qualified CA", "Test Qualified CA 2", "Other CA"}, lib.settings[0].TrustedIssuers)
}

func TestFacadeReportsNotReadyDuringInitialization(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	caList, anchors := writeTrustFiles(t, pki)
	lib := &countingLib{Library: NewInPage(softlib.New()), gate: make(chan struct{})}
	cfg := sessionConfig(caList, anchors)
	cfg.RetryAfter = 2 * time.Second
	facade := NewFacade(NewSession(lib, cfg))

	warm := make(chan error, 1)
	go func() { warm <- facade.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return facade.Session().State() == StateInitializing }, time.Second, 5*time.Millisecond)

	_, err := facade.Sign(context.Background(), []byte("doc"))
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeNotReady, apiErr.Code)
	require.Equal(t, "2", apiErr.RetryAfterHint())
	_, err = facade.EnumKeyMediaType(context.Background(), 0)
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotReady))

	close(lib.gate)
	require.NoError(t, <-warm)
	_, err = facade.OwnerInfo(context.Background())
	require.False(t, apierrors.HasCode(err, apierrors.CodeNotReady))
	require.Equal(t, int32(1), lib.inits.Load())
}

func TestSessionSkipsSettingsWhenNotNeeded(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	_, anchors := writeTrustFiles(t, pki)
	lib := &countingLib{Library: NewInPage(softlib.New(softlib.WithoutSettings()))}
	session := NewSession(lib, SessionConfig{CAListSource: "/does/not/exist", TrustAnchorSource: anchors})

	require.NoError(t, session.Ensure(context.Background()))
	require.Empty(t, lib.settings)
}

func TestSessionFailureIsTerminal(t *testing.T) {
	lib := &countingLib{
		Library:  NewInPage(softlib.New()),
		failInit: apierrors.NewNative(native.ErrCodeInternal, "library missing"),
	}
	session := NewSession(lib, SessionConfig{TrustAnchorSource: "unused"})

	err := session.Ensure(context.Background())
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, native.ErrCodeInternal, apiErr.NativeCode)
	require.Equal(t, StateFailed, session.State())

	require.ErrorIs(t, session.Ensure(context.Background()), err)
	require.Equal(t, int32(1), lib.inits.Load())
	require.Equal(t, err, session.Check())
}

func TestSessionFailsWithoutTrustAnchors(t *testing.T) {
	session := NewSession(NewInPage(softlib.New(softlib.WithoutSettings())), SessionConfig{TrustAnchorSource: filepath.Join(t.TempDir(), "missing.pem")})
	err := session.Ensure(context.Background())
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidArgument))
	require.Equal(t, StateFailed, session.State())
}

func TestEnsureHonoursCallerContext(t *testing.T) {
	lib := &countingLib{Library: NewInPage(softlib.New(softlib.WithoutSettings())), gate: make(chan struct{})}
	session := NewSession(lib, SessionConfig{TrustAnchorSource: "unused"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, session.Ensure(ctx), context.DeadlineExceeded)
	close(lib.gate)
	require.Eventually(t, func() bool { return session.State() == StateFailed }, time.Second, 5*time.Millisecond)
}

func TestBuildSettingsFromCAList(t *testing.T) {
	cas, err := ParseCAList([]byte(caListJSON))
	require.NoError(t, err)
	s := BuildSettings(SettingsOptions{ProxyURL: "http://proxy", ExtraDirectHosts: []string{"czo.gov.ua", "ca.example.test"}}, cas)

	require.Equal(t, "http://proxy", s.ProxyURL)
	require.Equal(t, []string{"czo.gov.ua", "ca.example.test", "tsp.example.test", "ocsp.example.test"}, s.DirectAccessHosts)
	require.Len(t, s.OCSPAccessPoints, 3)
	require.Equal(t, native.OCSPAccessPoint{IssuerCN: "Other CA", Address: "ocsp.other.test", Port: "8080"}, s.OCSPAccessPoints[2])
}

func TestParseCAListToleratesEscapedQuotes(t *testing.T) {
	cas, err := ParseCAList([]byte(`[{"issuerCNs": ["O\'Brien CA"], "address": ""}]`))
	require.NoError(t, err)
	require.Equal(t, "O'Brien CA", cas[0].IssuerCNs[0])
}

func TestLoadDocumentRejectsOversizeBundle(t *testing.T) {
	oversize := bytes.Repeat([]byte("A"), maxTrustDocumentBytes+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(oversize)
	}))
	t.Cleanup(srv.Close)

	_, err := LoadDocument(context.Background(), srv.Client(), srv.URL+"/CACertificates.pem")
	require.ErrorContains(t, err, "exceeds")

	path := filepath.Join(t.TempDir(), "CACertificates.pem")
	require.NoError(t, os.WriteFile(path, oversize, 0o600))
	_, err = LoadDocument(context.Background(), nil, path)
	require.ErrorContains(t, err, "exceeds")

	data, err := readLimited(bytes.NewReader([]byte("four")), 4, "exact")
	require.NoError(t, err)
	require.Equal(t, "four", string(data))
}

func TestLoadDocumentOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/static/CAs.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(caListJSON))
	}))
	t.Cleanup(srv.Close)

	data, err := LoadDocument(context.Background(), srv.Client(), srv.URL+"/static/CAs.json")
	require.NoError(t, err)
	require.Equal(t, caListJSON, string(data))

	_, err = LoadDocument(context.Background(), srv.Client(), srv.URL+"/missing")
	require.Error(t, err)
}

func newRemoteFacade(t *testing.T, pki *softlibtest.PKI) *Facade {
	t.Helper()
	local, remote := transport.Pipe(4)
	w := worker.New(softlib.New(), worker.WithRegisterer(prometheus.NewRegistry()))
	go func() { _ = w.Serve(context.Background(), remote) }()
	b := bridge.New(local, bridge.WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = b.Close() })
	caList, anchors := writeTrustFiles(t, pki)
	return NewFacade(NewSession(NewRemote(b), sessionConfig(caList, anchors)))
}

func newInPageFacade(t *testing.T, pki *softlibtest.PKI) *Facade {
	t.Helper()
	caList, anchors := writeTrustFiles(t, pki)
	return NewFacade(NewSession(NewInPage(softlib.New()), sessionConfig(caList, anchors)))
}

func TestSignVerifyRoundTripBothModes(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	modes := map[string]func(*testing.T, *softlibtest.PKI) *Facade{
		"inpage": newInPageFacade,
		"remote": newRemoteFacade,
	}
	for name, build := range modes {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			f := build(t, pki)

			owner, err := f.ReadFileKey(ctx, pki.Container, softlibtest.Password)
			require.NoError(t, err)
			require.Equal(t, "Alice Tester", owner.SubjCN)

			data := []byte("claim #7 attachment")
			sig, err := f.Sign(ctx, data)
			require.NoError(t, err)
			require.NotEmpty(t, sig.Data)
			require.Equal(t, "Alice Tester", sig.Signer.Subject)
			require.Equal(t, owner.Serial, sig.Signer.Serial)
			require.Equal(t, softlibtest.DefaultIdentity.IssuerCN, sig.Signer.Issuer)

			info, err := f.Verify(ctx, sig.Data, data)
			require.NoError(t, err)
			require.Equal(t, owner.SubjCN, info.Owner.SubjCN)
			require.Equal(t, owner.Serial, info.Owner.Serial)

			_, err = f.Verify(ctx, sig.Data, []byte("claim #8 attachment"))
			apiErr, ok := apierrors.FromError(err)
			require.True(t, ok)
			require.Equal(t, apierrors.CodeNativeLibrary, apiErr.Code)
			require.Equal(t, native.ErrCodeDataMismatch, apiErr.NativeCode)

			certs, err := f.OwnCertificates(ctx)
			require.NoError(t, err)
			require.Len(t, certs, 1)
			require.Equal(t, pki.Leaf.Raw, certs[0].Data)

			_, err = f.ReadFileKey(ctx, pki.Container, "nope")
			apiErr, ok = apierrors.FromError(err)
			require.True(t, ok)
			require.Equal(t, native.ErrCodeBadPassword, apiErr.NativeCode)
		})
	}
}

func TestFacadeDrivesDiscoveryAfterInit(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	f := newInPageFacade(t, pki)
	require.Equal(t, StateUninitialized, f.Session().State())

	types, err := discovery.New(f, discovery.DefaultConfig()).ListKeyMediaTypes(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, f.Session().State())
	codes := make([]int, 0, len(types))
	for _, mt := range types {
		require.Equal(t, mt.Code, mt.TypeIndex)
		codes = append(codes, mt.Code)
	}
	require.Equal(t, []int{3, 4, 5}, codes)
}

// keySwapLib 以密码充当持有人名称模拟加载不同密钥，Sign 在 gate 关闭前阻塞。
type keySwapLib struct {
	Library
	mu      sync.Mutex
	owner   string
	entered chan struct{}
	gate    chan struct{}
}

func (k *keySwapLib) ReadPrivateKeyBinary(_ context.Context, _ []byte, password string) (native.OwnerInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.owner = password
	return native.OwnerInfo{SubjCN: password}, nil
}

func (k *keySwapLib) GetPrivateKeyOwnerInfo(context.Context) (native.OwnerInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return native.OwnerInfo{SubjCN: k.owner}, nil
}

func (k *keySwapLib) Sign(_ context.Context, _ bool, data []byte) ([]byte, error) {
	k.entered <- struct{}{}
	<-k.gate
	return append([]byte("sig:"), data...), nil
}

func TestKeyReloadWaitsForInFlightSign(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	caList, anchors := writeTrustFiles(t, pki)
	lib := &keySwapLib{
		Library: NewInPage(softlib.New()),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	f := NewFacade(NewSession(lib, sessionConfig(caList, anchors)))
	ctx := context.Background()
	_, err := f.ReadFileKey(ctx, nil, "Alice Tester")
	require.NoError(t, err)

	signed := make(chan *Signature, 1)
	go func() {
		sig, err := f.Sign(ctx, []byte("doc"))
		if err != nil {
			sig = nil
		}
		signed <- sig
	}()
	<-lib.entered

	reloaded := make(chan struct{})
	go func() {
		_, _ = f.ReadFileKey(ctx, nil, "Bob Tester")
		close(reloaded)
	}()
	require.Never(t, func() bool {
		select {
		case <-reloaded:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(lib.gate)
	sig := <-signed
	require.NotNil(t, sig)
	require.Equal(t, "Alice Tester", sig.Signer.Subject)
	<-reloaded

	sig, err = f.Sign(ctx, []byte("doc"))
	require.NoError(t, err)
	require.Equal(t, "Bob Tester", sig.Signer.Subject)
}
