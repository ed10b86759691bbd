// Package softlibtest 生成测试用 CA、签名证书与密钥容器。
package softlibtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/aegis-sign/signbridge/internal/native/softlib"
	"github.com/stretchr/testify/require"
)

// Password 是测试容器的口令。
const Password = "correct horse"

// PKI 是一套自签名 CA 与一张签名证书。
type PKI struct {
	CA        *x509.Certificate
	CAPEM     []byte
	Leaf      *x509.Certificate
	LeafKey   *ecdsa.PrivateKey
	Container []byte
}

// Identity 描述签名证书主体。
type Identity struct {
	CommonName   string
	Organization string
	DRFO         string
	IssuerCN     string
}

// DefaultIdentity 用于大多数测试。
var DefaultIdentity = Identity{
	CommonName:   "Alice Tester",
	Organization: "Example Court",
	DRFO:         "1234567890",
	IssuerCN:     "Test Qualified CA",
}

// NewPKI 生成 CA、签名证书与以 Password 封装的容器。
func NewPKI(t testing.TB, id Identity) *PKI {
	t.Helper()
	now := time.Now()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: id.IssuerCN, Organization: []string{"Test Trust Services"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: serial.Add(serial, big.NewInt(2)),
		Subject: pkix.Name{
			CommonName:   id.CommonName,
			Organization: []string{id.Organization},
			SerialNumber: id.DRFO,
			Locality:     []string{"Kyiv"},
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: asn1.ObjectIdentifier{2, 5, 4, 12}, Value: "Judge"},
			},
		},
		EmailAddresses: []string{"alice@example.test"},
		NotBefore:      now.Add(-time.Hour),
		NotAfter:       now.Add(24 * time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	container, err := softlib.SealContainer(leafKey, []*x509.Certificate{leaf}, Password)
	require.NoError(t, err)
	return &PKI{
		CA:        ca,
		CAPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		Leaf:      leaf,
		LeafKey:   leafKey,
		Container: container,
	}
}
