package softlib

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/aegis-sign/signbridge/internal/native"
)

var (
	oidSurname         = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidTitle           = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidTelephone       = asn1.ObjectIdentifier{2, 5, 4, 20}
	oidGivenName       = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidOrgIdentifier   = asn1.ObjectIdentifier{2, 5, 4, 97}
	oidEmailAttribute  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	orgIdentifierTaxID = "NTRUA-"
)

func formatSerial(serial *big.Int) string {
	return strings.ToUpper(serial.Text(16))
}

func nameAttr(name pkix.Name, oid asn1.ObjectIdentifier) string {
	for _, atv := range name.Names {
		if atv.Type.Equal(oid) {
			if s, ok := atv.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ownerInfo 从签名证书提取持有人信息。
func ownerInfo(cert *x509.Certificate) native.OwnerInfo {
	subj := cert.Subject
	fullName := strings.TrimSpace(nameAttr(subj, oidSurname) + " " + nameAttr(subj, oidGivenName))
	if fullName == "" {
		fullName = subj.CommonName
	}
	email := first(cert.EmailAddresses)
	if email == "" {
		email = nameAttr(subj, oidEmailAttribute)
	}
	return native.OwnerInfo{
		Issuer:         cert.Issuer.String(),
		IssuerCN:       cert.Issuer.CommonName,
		Serial:         formatSerial(cert.SerialNumber),
		SubjCN:         subj.CommonName,
		SubjFullName:   fullName,
		SubjOrg:        first(subj.Organization),
		SubjOrgUnit:    first(subj.OrganizationalUnit),
		SubjTitle:      nameAttr(subj, oidTitle),
		SubjLocality:   first(subj.Locality),
		SubjEMail:      email,
		SubjPhone:      nameAttr(subj, oidTelephone),
		SubjDRFOCode:   subj.SerialNumber,
		SubjEDRPOUCode: strings.TrimPrefix(nameAttr(subj, oidOrgIdentifier), orgIdentifierTaxID),
	}
}

func certificateInfo(cert *x509.Certificate) *native.CertificateInfo {
	return &native.CertificateInfo{
		Serial:    formatSerial(cert.SerialNumber),
		Issuer:    cert.Issuer.String(),
		Subject:   cert.Subject.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		KeyUsage:  keyUsage(cert),
		Data:      cert.Raw,
	}
}

func keyUsage(cert *x509.Certificate) string {
	var parts []string
	if cert.KeyUsage&x509.KeyUsageDigitalSignature != 0 {
		parts = append(parts, "digitalSignature")
	}
	if cert.KeyUsage&x509.KeyUsageContentCommitment != 0 {
		parts = append(parts, "nonRepudiation")
	}
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
		parts = append(parts, "keyEncipherment")
	}
	if cert.KeyUsage&x509.KeyUsageKeyAgreement != 0 {
		parts = append(parts, "keyAgreement")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign != 0 {
		parts = append(parts, "keyCertSign")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%x", int(cert.KeyUsage))
	}
	return strings.Join(parts, ",")
}
