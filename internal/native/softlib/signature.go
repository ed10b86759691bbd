package softlib

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"time"

	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/fxamacker/cbor/v2"
)

// signedEnvelope 是签名结果格式；附加模式下内嵌原文。
type signedEnvelope struct {
	Content   []byte   `cbor:"content,omitempty"`
	Detached  bool     `cbor:"detached,omitempty"`
	Certs     [][]byte `cbor:"certs"`
	SignedAt  int64    `cbor:"signedAt"`
	Signature []byte   `cbor:"sig"`
}

func signingDigest(data []byte, signedAt int64) []byte {
	h := sha256.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(signedAt))
	h.Write(ts[:])
	h.Write(data)
	return h.Sum(nil)
}

func createSignature(km *keyMaterial, attached bool, data []byte, now time.Time) ([]byte, error) {
	env := signedEnvelope{SignedAt: now.UnixNano(), Detached: !attached}
	if attached {
		env.Content = append([]byte(nil), data...)
	}
	sig, err := km.signer.Sign(rand.Reader, signingDigest(data, env.SignedAt), crypto.SHA256)
	if err != nil {
		return nil, native.Errorf(native.ErrCodeSignFailed, "sign: %v", err)
	}
	env.Signature = sig
	for _, cert := range km.certs {
		env.Certs = append(env.Certs, cert.Raw)
	}
	return cbor.Marshal(env)
}

// parsedSignature 是通过数学校验的签名。
type parsedSignature struct {
	signer   *x509.Certificate
	chain    []*x509.Certificate
	signedAt time.Time
}

func checkSignature(signature, data []byte) (*parsedSignature, error) {
	var env signedEnvelope
	if err := cbor.Unmarshal(signature, &env); err != nil || len(env.Signature) == 0 || len(env.Certs) == 0 {
		return nil, native.Errorf(native.ErrCodeBadSignature, "unrecognised signature format")
	}
	if !env.Detached && !bytes.Equal(env.Content, data) {
		return nil, native.Errorf(native.ErrCodeDataMismatch, "signed content does not match data")
	}
	var chain []*x509.Certificate
	for _, raw := range env.Certs {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, native.Errorf(native.ErrCodeBadCertificate, "signer certificate: %v", err)
		}
		chain = append(chain, cert)
	}
	digest := signingDigest(data, env.SignedAt)
	valid := false
	switch pub := chain[0].PublicKey.(type) {
	case *ecdsa.PublicKey:
		valid = ecdsa.VerifyASN1(pub, digest, env.Signature)
	case *rsa.PublicKey:
		valid = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, env.Signature) == nil
	}
	if !valid {
		return nil, native.Errorf(native.ErrCodeBadSignature, "signature value is invalid")
	}
	return &parsedSignature{signer: chain[0], chain: chain, signedAt: time.Unix(0, env.SignedAt).UTC()}, nil
}
