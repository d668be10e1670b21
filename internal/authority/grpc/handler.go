package grpc

import (
	"context"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// handler adapts a *service.Service to AuthorityServer.
type handler struct {
	svc    *service.Service
	logger observability.Logger
}

// NewHandler returns an AuthorityServer backed by svc.
func NewHandler(svc *service.Service, logger observability.Logger) AuthorityServer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &handler{svc: svc, logger: logger}
}

func (h *handler) Issue(ctx context.Context, req *IssueCertificateRequest) (*CertificateResponse, error) {
	rec, err := h.svc.Issue(ctx, service.IssueRequest{
		ID:                  req.CertificateID,
		CommonName:          req.CommonName,
		DNSNames:            req.DNSNames,
		OrganizationalUnits: req.OrganizationalUnits,
		Validity:            time.Duration(req.ValiditySeconds) * time.Second,
		Metadata:            req.Metadata,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return responseFromRecord(rec, h.svc.CACertificatePEM()), nil
}

func (h *handler) Renew(ctx context.Context, req *RenewCertificateRequest) (*CertificateResponse, error) {
	rec, err := h.svc.Renew(ctx, req.CertificateID)
	if err != nil {
		return nil, toStatus(err)
	}
	return responseFromRecord(rec, h.svc.CACertificatePEM()), nil
}

func (h *handler) GetCertificateInfo(
	ctx context.Context,
	req *GetCertificateInfoRequest,
) (*GetCertificateInfoResponse, error) {
	if req.CertificateID != "" {
		rec, err := h.svc.Lookup(ctx, req.CertificateID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &GetCertificateInfoResponse{Certificates: []CertificateInfo{InfoFromRecord(rec)}}, nil
	}

	records := h.svc.List(ctx)
	resp := &GetCertificateInfoResponse{Certificates: make([]CertificateInfo, 0, len(records))}
	for _, rec := range records {
		resp.Certificates = append(resp.Certificates, InfoFromRecord(rec))
	}
	return resp, nil
}

func (h *handler) Revoke(ctx context.Context, req *RevokeCertificateRequest) (*RevokeCertificateResponse, error) {
	if err := h.svc.Delete(ctx, req.CertificateID); err != nil {
		return nil, toStatus(err)
	}
	h.logger.Debug("certificate revoked", observability.String("certificate_id", req.CertificateID))
	return &RevokeCertificateResponse{CertificateID: req.CertificateID}, nil
}
