package softlib_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/native/softlib"
	"github.com/aegis-sign/signbridge/internal/native/softlib/softlibtest"
	"github.com/stretchr/testify/require"
)

func requireNativeCode(t *testing.T, err error, code int) {
	t.Helper()
	nerr, ok := native.AsError(err)
	require.True(t, ok, "expected native error, got %v", err)
	require.Equal(t, code, nerr.Code, nerr.Message)
}

func readyLibrary(t *testing.T, pki *softlibtest.PKI, opts ...softlib.Option) *softlib.Library {
	t.Helper()
	lib := softlib.New(opts...)
	require.NoError(t, lib.Initialize())
	need, err := lib.DoesNeedSetSettings()
	require.NoError(t, err)
	if need {
		require.NoError(t, lib.SetSettings(native.Settings{TrustedIssuers: []string{softlibtest.DefaultIdentity.IssuerCN}}))
	}
	require.NoError(t, lib.SaveCertificates(pki.CAPEM))
	return lib
}

func TestSettingsLifecycle(t *testing.T) {
	lib := softlib.New()
	_, err := lib.DoesNeedSetSettings()
	requireNativeCode(t, err, native.ErrCodeNotInitialized)

	require.NoError(t, lib.Initialize())
	need, err := lib.DoesNeedSetSettings()
	require.NoError(t, err)
	require.True(t, need)
	requireNativeCode(t, lib.SaveCertificates(nil), native.ErrCodeSettingsRequired)

	require.NoError(t, lib.SetSettings(native.Settings{ProxyURL: "http://proxy"}))
	need, err = lib.DoesNeedSetSettings()
	require.NoError(t, err)
	require.False(t, need)

	other := softlib.New(softlib.WithoutSettings())
	require.NoError(t, other.Initialize())
	need, err = other.DoesNeedSetSettings()
	require.NoError(t, err)
	require.False(t, need)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	lib := readyLibrary(t, pki)

	owner, err := lib.ReadPrivateKeyBinary(pki.Container, softlibtest.Password)
	require.NoError(t, err)
	require.Equal(t, "Alice Tester", owner.SubjCN)
	require.Equal(t, "Example Court", owner.SubjOrg)
	require.Equal(t, "Judge", owner.SubjTitle)
	require.Equal(t, "1234567890", owner.SubjDRFOCode)
	require.Equal(t, "alice@example.test", owner.SubjEMail)
	require.Equal(t, softlibtest.DefaultIdentity.IssuerCN, owner.IssuerCN)

	data := []byte("court decision 42")
	sig, err := lib.Sign(true, data)
	require.NoError(t, err)

	info, err := lib.Verify(sig, data)
	require.NoError(t, err)
	require.Equal(t, owner, info.Owner)
	require.False(t, info.SigningTime.IsZero())

	_, err = lib.Verify(sig, []byte("court decision 43"))
	requireNativeCode(t, err, native.ErrCodeDataMismatch)

	detached, err := lib.Sign(false, data)
	require.NoError(t, err)
	_, err = lib.Verify(detached, data)
	require.NoError(t, err)
	_, err = lib.Verify(detached, []byte("tampered"))
	requireNativeCode(t, err, native.ErrCodeBadSignature)

	_, err = lib.Verify([]byte("garbage"), data)
	requireNativeCode(t, err, native.ErrCodeBadSignature)
}

func TestVerifyTrustFailures(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	signer := readyLibrary(t, pki)
	_, err := signer.ReadPrivateKeyBinary(pki.Container, softlibtest.Password)
	require.NoError(t, err)
	data := []byte("payload")
	sig, err := signer.Sign(true, data)
	require.NoError(t, err)

	foreign := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	untrusted := readyLibrary(t, foreign)
	_, err = untrusted.Verify(sig, data)
	requireNativeCode(t, err, native.ErrCodeCertNotTrusted)

	revoked := readyLibrary(t, pki, softlib.WithRevoked(pki.Leaf.SerialNumber))
	_, err = revoked.Verify(sig, data)
	requireNativeCode(t, err, native.ErrCodeCertRevoked)

	strict := softlib.New()
	require.NoError(t, strict.Initialize())
	require.NoError(t, strict.SetSettings(native.Settings{TrustedIssuers: []string{"Another CA"}}))
	require.NoError(t, strict.SaveCertificates(pki.CAPEM))
	_, err = strict.Verify(sig, data)
	requireNativeCode(t, err, native.ErrCodeIssuerNotTrusted)

	noAnchors := softlib.New(softlib.WithoutSettings())
	require.NoError(t, noAnchors.Initialize())
	_, err = noAnchors.Verify(sig, data)
	requireNativeCode(t, err, native.ErrCodeCertNotTrusted)
}

func TestKeyLoadingErrors(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	lib := readyLibrary(t, pki)

	_, err := lib.ReadPrivateKeyBinary(pki.Container, "wrong")
	requireNativeCode(t, err, native.ErrCodeBadPassword)
	_, err = lib.ReadPrivateKeyBinary([]byte("not a container"), softlibtest.Password)
	requireNativeCode(t, err, native.ErrCodeBadKeyContainer)

	_, err = lib.GetPrivateKeyOwnerInfo()
	requireNativeCode(t, err, native.ErrCodeKeyNotLoaded)
	_, err = lib.Sign(true, []byte("x"))
	requireNativeCode(t, err, native.ErrCodeKeyNotLoaded)

	info, err := lib.GetKeyInfoBinary(pki.Container, softlibtest.Password)
	require.NoError(t, err)
	require.NotEmpty(t, info)
	_, err = lib.GetPrivateKeyOwnerInfo()
	requireNativeCode(t, err, native.ErrCodeKeyNotLoaded)
}

func TestOwnCertificatesEndWithNil(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	lib := readyLibrary(t, pki)
	_, err := lib.ReadPrivateKeyBinary(pki.Container, softlibtest.Password)
	require.NoError(t, err)

	cert, err := lib.EnumOwnCertificates(0)
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, pki.Leaf.Raw, cert.Data)
	require.Contains(t, cert.KeyUsage, "digitalSignature")

	cert, err = lib.EnumOwnCertificates(1)
	require.NoError(t, err)
	require.Nil(t, cert)
}

func TestMediaEnumerationAndTokenDir(t *testing.T) {
	pki := softlibtest.NewPKI(t, softlibtest.DefaultIdentity)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "4"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "4", "card-b"), pki.Container, 0o600))

	lib := readyLibrary(t, pki, softlib.WithTokenDir(dir), softlib.WithDevice(4, "card-a", pki.Container))

	mt, err := lib.EnumKeyMediaTypes(4)
	require.NoError(t, err)
	require.Equal(t, native.KeyMediaType{Code: 4, Label: "smart card"}, mt)
	mt, err = lib.EnumKeyMediaTypes(len(softlib.DefaultMediaTypes))
	require.NoError(t, err)
	require.Empty(t, mt.Label)

	var devices []string
	for i := 0; ; i++ {
		name, err := lib.EnumKeyMediaDevices(4, i)
		require.NoError(t, err)
		if name == "" {
			break
		}
		devices = append(devices, name)
	}
	require.Equal(t, []string{"card-a", "card-b"}, devices)

	owner, err := lib.ReadPrivateKeySilently(4, 1, softlibtest.Password)
	require.NoError(t, err)
	require.Equal(t, "Alice Tester", owner.SubjCN)

	_, err = lib.ReadPrivateKeySilently(4, 2, softlibtest.Password)
	requireNativeCode(t, err, native.ErrCodeDeviceNotFound)

	info, err := lib.GetKeyInfoSilently(4, 0, softlibtest.Password)
	require.NoError(t, err)
	require.NotEmpty(t, info)

	name, err := lib.EnumKeyMediaDevices(3, 0)
	require.NoError(t, err)
	require.Empty(t, name)
}
