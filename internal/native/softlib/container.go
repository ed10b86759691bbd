package softlib

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/scrypt"
)

const containerVersion = 1

// scrypt 参数。
var (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

type sealedContainer struct {
	Version    int    `cbor:"v"`
	Salt       []byte `cbor:"salt"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ct"`
}

type containerContent struct {
	Key   []byte   `cbor:"key"`
	Certs [][]byte `cbor:"certs"`
}

// keyMaterial 是解封后的私钥与证书链，证书链首张为签名证书。
type keyMaterial struct {
	signer crypto.Signer
	certs  []*x509.Certificate
}

// SealContainer 用口令封装私钥和证书链，生成可被 ReadPrivateKeyBinary 读取的密钥容器。
func SealContainer(key crypto.Signer, certs []*x509.Certificate, password string) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("at least one certificate is required")
	}
	switch key.Public().(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported key type %T", key.Public())
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	content := containerContent{Key: der}
	for _, cert := range certs {
		content.Certs = append(content.Certs, cert.Raw)
	}
	plain, err := cbor.Marshal(content)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := containerCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return cbor.Marshal(sealedContainer{
		Version:    containerVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, nil),
	})
}

func openContainer(data []byte, password string) (*keyMaterial, error) {
	var sealed sealedContainer
	if err := cbor.Unmarshal(data, &sealed); err != nil || sealed.Version != containerVersion {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "unrecognised key container")
	}
	aead, err := containerCipher(password, sealed.Salt)
	if err != nil {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "derive container key: %v", err)
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "bad container nonce")
	}
	plain, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, native.Errorf(native.ErrCodeBadPassword, "wrong password or damaged container")
	}
	var content containerContent
	if err := cbor.Unmarshal(plain, &content); err != nil {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "container payload: %v", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(content.Key)
	if err != nil {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "private key: %v", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "private key cannot sign")
	}
	if len(content.Certs) == 0 {
		return nil, native.Errorf(native.ErrCodeBadKeyContainer, "container has no certificates")
	}
	km := &keyMaterial{signer: signer}
	for _, raw := range content.Certs {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, native.Errorf(native.ErrCodeBadCertificate, "container certificate: %v", err)
		}
		km.certs = append(km.certs, cert)
	}
	return km, nil
}

func containerCipher(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
