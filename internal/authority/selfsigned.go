package authority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// SelfSignedConfig describes a generated development CA.
type SelfSignedConfig struct {
	CommonName   string
	Organization string
	Country      string
	Validity     time.Duration
}

// GenerateSelfSignedCA creates a throwaway ECDSA P-256 CA and returns its
// certificate and key in PEM form. It is meant for development clusters and
// tests; production authorities load their CA from a secret provider.
func GenerateSelfSignedCA(cfg SelfSignedConfig) (certPEM, keyPEM []byte, err error) {
	if cfg.CommonName == "" {
		cfg.CommonName = DefaultCACommonName
	}
	if cfg.Organization == "" {
		cfg.Organization = DefaultOrganization
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultCAValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	subject := pkix.Name{
		CommonName:   cfg.CommonName,
		Organization: []string{cfg.Organization},
	}
	if cfg.Country != "" {
		subject.Country = []string{cfg.Country}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(cfg.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	keyPEM, err = encodePrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}), keyPEM, nil
}

// NewSelfSignedHolder generates a CA with GenerateSelfSignedCA and wraps it
// in a Holder.
func NewSelfSignedHolder(cfg SelfSignedConfig, opts ...HolderOption) (*Holder, error) {
	certPEM, keyPEM, err := GenerateSelfSignedCA(cfg)
	if err != nil {
		return nil, err
	}
	return NewHolder(certPEM, keyPEM, opts...)
}
