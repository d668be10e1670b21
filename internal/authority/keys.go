package authority

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrInvalidCA is returned when CA material cannot be used for signing.
var ErrInvalidCA = errors.New("invalid CA material")

// keyPair is the CA certificate and its signer. It never leaves this package.
type keyPair struct {
	cert    *x509.Certificate
	certPEM []byte
	signer  crypto.Signer
}

// parseKeyPair parses PEM encoded CA material and checks that the key belongs
// to the certificate and that the certificate may sign other certificates.
func parseKeyPair(certPEM, keyPEM []byte) (*keyPair, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	signer, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	if !publicKeysEqual(cert.PublicKey, signer.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrInvalidCA)
	}

	if !cert.IsCA {
		return nil, fmt.Errorf("%w: certificate %q is not a CA", ErrInvalidCA, cert.Subject.CommonName)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("%w: certificate %q lacks the certSign key usage", ErrInvalidCA, cert.Subject.CommonName)
	}

	return &keyPair{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw}),
		signer:  signer,
	}, nil
}

// parseCertificatePEM returns the first certificate found in data.
func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no certificate PEM block found", ErrInvalidCA)
		}
		if block.Type != pemTypeCertificate {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse certificate: %w", ErrInvalidCA, err)
		}
		return cert, nil
	}
}

// parsePrivateKeyPEM accepts PKCS#1, SEC 1 and PKCS#8 encoded keys.
func parsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key PEM block found", ErrInvalidCA)
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case pemTypePKCS1Key:
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case pemTypeECPrivateKey:
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case pemTypePKCS8Key:
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalidCA, block.Type, err)
		}

		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidCA, key)
		}
		return signer, nil
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch pub := a.(type) {
	case *rsa.PublicKey:
		return pub.Equal(b)
	case *ecdsa.PublicKey:
		return pub.Equal(b)
	case ed25519.PublicKey:
		return pub.Equal(b)
	default:
		return false
	}
}

// encodePrivateKey returns the PKCS#8 PEM encoding of key.
func encodePrivateKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8Key, Bytes: der}), nil
}
