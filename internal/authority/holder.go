// Package authority holds the CA key pair and signs leaf certificates with it.
package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// oidOrganizationalUnit is id-at-organizationalUnitName.
var oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}

// ErrInvalidRequest is returned for sign requests that cannot be satisfied.
var ErrInvalidRequest = errors.New("invalid sign request")

// SignRequest describes the leaf certificate to sign.
type SignRequest struct {
	CommonName          string
	DNSNames            []string
	IPAddresses         []net.IP
	OrganizationalUnits []string
	Validity            time.Duration
}

// SignedCertificate is a freshly signed leaf certificate with its new key.
type SignedCertificate struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	SerialNumber   *big.Int
	NotBefore      time.Time
	NotAfter       time.Time
}

// Holder keeps the CA key pair in memory and signs leaf certificates. The CA
// private key is never exported: there is no accessor for it and it is not
// written anywhere. The key pair may be swapped with Reload; signing calls
// in flight keep using the pair they started with.
type Holder struct {
	current atomic.Pointer[keyPair]
	serial  atomic.Uint64
	now     func() time.Time
	logger  observability.Logger
	metrics *holderMetrics
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) HolderOption {
	return func(h *Holder) {
		h.logger = logger
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) HolderOption {
	return func(h *Holder) {
		h.now = now
	}
}

// WithSerialBase sets the value the serial counter starts from.
func WithSerialBase(base uint64) HolderOption {
	return func(h *Holder) {
		h.serial.Store(base)
	}
}

// NewHolder parses the PEM encoded CA certificate and key. An error here is
// fatal for the authority service.
func NewHolder(certPEM, keyPEM []byte, opts ...HolderOption) (*Holder, error) {
	pair, err := parseKeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	h := &Holder{
		now:     time.Now,
		logger:  observability.GetGlobalLogger().With(observability.String("component", "authority-holder")),
		metrics: getHolderMetrics(),
	}
	// Seed from the clock so serials keep increasing across restarts.
	h.serial.Store(uint64(time.Now().UnixNano()))
	for _, opt := range opts {
		opt(h)
	}

	h.current.Store(pair)
	h.metrics.caExpiry.Set(float64(pair.cert.NotAfter.Unix()))

	h.logger.Info("certificate authority loaded",
		observability.String("subject", pair.cert.Subject.String()),
		observability.Time("not_after", pair.cert.NotAfter),
	)

	return h, nil
}

// Reload replaces the CA key pair. The previous pair stays active when the
// new material is invalid.
func (h *Holder) Reload(certPEM, keyPEM []byte) error {
	pair, err := parseKeyPair(certPEM, keyPEM)
	if err != nil {
		h.metrics.reloads.WithLabelValues("error").Inc()
		return err
	}

	h.current.Store(pair)
	h.metrics.reloads.WithLabelValues("success").Inc()
	h.metrics.caExpiry.Set(float64(pair.cert.NotAfter.Unix()))

	h.logger.Info("certificate authority reloaded",
		observability.String("subject", pair.cert.Subject.String()),
		observability.Time("not_after", pair.cert.NotAfter),
	)
	return nil
}

// CACertificatePEM returns the PEM encoded CA certificate.
func (h *Holder) CACertificatePEM() []byte {
	pair := h.current.Load()
	out := make([]byte, len(pair.certPEM))
	copy(out, pair.certPEM)
	return out
}

// CACertificate returns the parsed CA certificate.
func (h *Holder) CACertificate() *x509.Certificate {
	return h.current.Load().cert
}

// CertPool returns a pool containing only the CA certificate.
func (h *Holder) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(h.current.Load().cert)
	return pool
}

// Sign issues a leaf certificate for req. NotBefore is the issuance time
// truncated to whole seconds, NotAfter is NotBefore plus the validity. The
// certificate is verified against the CA before it is returned.
func (h *Holder) Sign(ctx context.Context, req SignRequest) (*SignedCertificate, error) {
	start := time.Now()
	signed, err := h.sign(ctx, req)
	h.metrics.signDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.signErrors.WithLabelValues(signErrorReason(err)).Inc()
		return nil, err
	}
	h.metrics.signedTotal.Inc()
	return signed, nil
}

func (h *Holder) sign(ctx context.Context, req SignRequest) (*SignedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	if strings.TrimSpace(req.CommonName) == "" {
		return nil, fmt.Errorf("%w: common name is required", ErrInvalidRequest)
	}
	if req.Validity < time.Second {
		return nil, fmt.Errorf("%w: validity must be at least one second, got %s", ErrInvalidRequest, req.Validity)
	}
	if req.Validity%time.Second != 0 {
		return nil, fmt.Errorf("%w: validity must be a whole number of seconds, got %s", ErrInvalidRequest, req.Validity)
	}

	pair := h.current.Load()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial := new(big.Int).SetUint64(h.serial.Add(1))
	notBefore := h.now().UTC().Truncate(time.Second)
	notAfter := notBefore.Add(req.Validity)

	if notAfter.After(pair.cert.NotAfter) {
		h.logger.Warn("leaf certificate outlives its CA",
			observability.String("common_name", req.CommonName),
			observability.Time("not_after", notAfter),
			observability.Time("ca_not_after", pair.cert.NotAfter),
		)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               leafSubject(pair.cert.Subject, req.CommonName, req.OrganizationalUnits),
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, pair.cert, &leafKey.PublicKey, pair.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed certificate: %w", err)
	}

	if err := verifyLeaf(leaf, pair.cert, notBefore); err != nil {
		return nil, err
	}

	keyPEM, err := encodePrivateKey(leafKey)
	if err != nil {
		return nil, err
	}

	return &SignedCertificate{
		Certificate:    leaf,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}),
		PrivateKeyPEM:  keyPEM,
		SerialNumber:   serial,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
	}, nil
}

// ErrVerification is returned when a signed certificate does not chain to the CA.
var ErrVerification = errors.New("signed certificate failed verification")

func verifyLeaf(leaf, ca *x509.Certificate, at time.Time) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca)

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: at,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nil
}

// leafSubject copies country and organization from the CA and appends the
// organizational units as separate attributes so their order survives DER
// encoding (a single multi-valued RDN would be sorted).
func leafSubject(ca pkix.Name, commonName string, units []string) pkix.Name {
	subject := pkix.Name{
		Country:      ca.Country,
		Organization: ca.Organization,
		CommonName:   commonName,
	}
	for _, ou := range NormalizeOrganizationalUnits(units) {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidOrganizationalUnit,
			Value: ou,
		})
	}
	return subject
}

// NormalizeOrganizationalUnits trims every entry and drops empty ones,
// keeping the original order.
func NormalizeOrganizationalUnits(units []string) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func signErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
