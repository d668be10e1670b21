// Package service implements the certificate authority operations: Issue,
// Renew, Lookup, Delete and List.
//
// At most one Issue or Renew is in flight per certificate identifier. A
// second concurrent request for the same identifier fails fast with
// ErrAlreadyIssuing instead of queueing, while Delete waits for the in-flight
// operation to finish. Requests for distinct identifiers never contend.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/cacsi/internal/authority"
	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// DefaultMaxValidity caps the validity a caller may request.
const DefaultMaxValidity = 365 * 24 * time.Hour

const tracerName = "cacsi-authority"

// Signer signs leaf certificates. *authority.Holder implements it.
type Signer interface {
	Sign(ctx context.Context, req authority.SignRequest) (*authority.SignedCertificate, error)
	CACertificatePEM() []byte
}

// IssueRequest holds the subject parameters of a new certificate.
type IssueRequest struct {
	ID                  string
	CommonName          string
	DNSNames            []string
	OrganizationalUnits []string
	Validity            time.Duration
	Metadata            map[string]string
}

// Service is the certificate authority service.
type Service struct {
	signer      Signer
	registry    *registry.Registry
	policy      *Policy
	maxValidity time.Duration
	now         func() time.Time
	logger      observability.Logger
	tracer      trace.Tracer
	metrics     *serviceMetrics
}

// Option is a functional option for the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPolicy sets the issuance policy.
func WithPolicy(policy *Policy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithMaxValidity sets the largest validity accepted by Issue.
func WithMaxValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxValidity = d
		}
	}
}

// WithRegistry sets the registry. A fresh one is created otherwise.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithClock sets the clock used for record bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTracer sets the tracer. The global tracer provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a Service that signs with signer.
func New(signer Signer, opts ...Option) *Service {
	s := &Service{
		signer:      signer,
		maxValidity: DefaultMaxValidity,
		now:         time.Now,
		logger:      observability.NopLogger(),
		metrics:     getServiceMetrics(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	return s
}

// CACertificatePEM returns the PEM of the signing CA.
func (s *Service) CACertificatePEM() []byte {
	return s.signer.CACertificatePEM()
}

// Issue signs a new certificate for req and stores it, replacing any
// previous record with the same identifier.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (rec *registry.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Issue",
		trace.WithAttributes(attribute.String("certificate.id", req.ID)),
	)
	defer func() { s.finish(span, "issue", err) }()
	start := time.Now()
	defer s.observe("issue", start)

	req.OrganizationalUnits = authority.NormalizeOrganizationalUnits(req.OrganizationalUnits)
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	unlock, ok := s.registry.Locks().TryLock(req.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIssuing, req.ID)
	}
	defer unlock()

	if err := s.policy.Evaluate(ctx, &req); err != nil {
		return nil, err
	}

	rec, err = s.sign(ctx, &registry.Record{
		ID:                  req.ID,
		CommonName:          req.CommonName,
		DNSNames:            append([]string(nil), req.DNSNames...),
		OrganizationalUnits: req.OrganizationalUnits,
		Validity:            req.Validity,
		Metadata:            req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if prev := s.registry.Put(rec); prev != nil {
		s.logger.Debug("replaced existing certificate record",
			observability.String("certificate_id", rec.ID),
			observability.String("previous_serial", prev.SerialNumber.String()),
		)
	}
	s.metrics.records.Set(float64(s.registry.Len()))

	s.logger.Info("certificate issued",
		observability.String("certificate_id", rec.ID),
		observability.String("common_name", rec.CommonName),
		observability.String("serial", rec.SerialNumber.String()),
		observability.Time("not_after", rec.NotAfter),
	)

	return rec, nil
}

// Renew re-signs the stored record for id with its original subject, SANs,
// organizational units and validity.
func (s *Service) Renew(ctx context.Context, id string) (rec *registry.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Renew",
		trace.WithAttributes(attribute.String("certificate.id", id)),
	)
	defer func() { s.finish(span, "renew", err) }()
	start := time.Now()
	defer s.observe("renew", start)

	unlock, ok := s.registry.Locks().TryLock(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIssuing, id)
	}
	defer unlock()

	existing, err := s.registry.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec, err = s.sign(ctx, existing)
	if err != nil {
		return nil, err
	}
	rec.Renewals = existing.Renewals + 1

	s.registry.Put(rec)

	s.logger.Info("certificate renewed",
		observability.String("certificate_id", rec.ID),
		observability.String("serial", rec.SerialNumber.String()),
		observability.Time("not_after", rec.NotAfter),
		observability.Int("renewals", rec.Renewals),
	)

	return rec, nil
}

// Lookup returns the record for id.
func (s *Service) Lookup(ctx context.Context, id string) (rec *registry.Record, err error) {
	_, span := s.tracer.Start(ctx, "authority.Lookup",
		trace.WithAttributes(attribute.String("certificate.id", id)),
	)
	defer func() { s.finish(span, "lookup", err) }()

	rec, err = s.registry.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Delete removes the record for id. It waits for an in-flight Issue or Renew
// of the same identifier and succeeds when no record exists.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Delete",
		trace.WithAttributes(attribute.String("certificate.id", id)),
	)
	defer func() { s.finish(span, "delete", err) }()

	unlock, err := s.registry.Locks().Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", id, err)
	}
	defer unlock()

	if s.registry.Delete(id) {
		s.metrics.records.Set(float64(s.registry.Len()))
		s.logger.Info("certificate deleted", observability.String("certificate_id", id))
	}
	return nil
}

// List returns all records sorted by identifier.
func (s *Service) List(ctx context.Context) []*registry.Record {
	_, span := s.tracer.Start(ctx, "authority.List")
	defer span.End()

	records := s.registry.List()
	span.SetAttributes(attribute.Int("certificate.count", len(records)))
	return records
}

func (s *Service) validate(req *IssueRequest) error {
	switch {
	case strings.TrimSpace(req.ID) == "":
		return &ValidationError{Field: "certificate_id", Message: "must not be empty"}
	case strings.TrimSpace(req.CommonName) == "":
		return &ValidationError{Field: "common_name", Message: "must not be empty"}
	case req.Validity < time.Second:
		return &ValidationError{Field: "validity", Message: fmt.Sprintf("must be at least 1s, got %s", req.Validity)}
	case req.Validity%time.Second != 0:
		return &ValidationError{Field: "validity", Message: fmt.Sprintf("must be a whole number of seconds, got %s", req.Validity)}
	case req.Validity > s.maxValidity:
		return &ValidationError{Field: "validity", Message: fmt.Sprintf("%s exceeds maximum %s", req.Validity, s.maxValidity)}
	}

	for _, name := range req.DNSNames {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "dns_names", Message: "must not contain empty names"}
		}
	}

	return nil
}

// sign signs a certificate for the subject fields of tmpl and returns a new
// record carrying the fresh material.
func (s *Service) sign(ctx context.Context, tmpl *registry.Record) (*registry.Record, error) {
	signed, err := s.signer.Sign(ctx, authority.SignRequest{
		CommonName:          tmpl.CommonName,
		DNSNames:            tmpl.DNSNames,
		OrganizationalUnits: tmpl.OrganizationalUnits,
		Validity:            tmpl.Validity,
	})
	if err != nil {
		if errors.Is(err, authority.ErrInvalidRequest) {
			return nil, &ValidationError{Field: "request", Message: err.Error()}
		}
		return nil, fmt.Errorf("failed to sign certificate %s: %w", tmpl.ID, err)
	}

	rec := tmpl.Clone()
	rec.NotBefore = signed.NotBefore
	rec.NotAfter = signed.NotAfter
	rec.SerialNumber = signed.SerialNumber
	rec.CertificatePEM = signed.CertificatePEM
	rec.PrivateKeyPEM = signed.PrivateKeyPEM
	rec.IssuedAt = s.now()
	return rec, nil
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (s *Service) finish(span trace.Span, operation string, err error) {
	result := resultLabel(err)
	s.metrics.operations.WithLabelValues(operation, result).Inc()

	span.SetAttributes(attribute.String("result", result))
	if err != nil && result != "not_found" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyIssuing):
		return "already_issuing"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrPolicyDenied):
		return "denied"
	default:
		return "error"
	}
}
