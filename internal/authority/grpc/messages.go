package grpc

import (
	"time"

	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
)

// IssueCertificateRequest asks the authority to sign a new certificate.
type IssueCertificateRequest struct {
	CertificateID       string            `json:"certificate_id"`
	CommonName          string            `json:"common_name"`
	DNSNames            []string          `json:"dns_names,omitempty"`
	OrganizationalUnits []string          `json:"organizational_units,omitempty"`
	ValiditySeconds     int64             `json:"validity_seconds"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// RenewCertificateRequest asks the authority to re-sign a stored certificate.
type RenewCertificateRequest struct {
	CertificateID string `json:"certificate_id"`
}

// GetCertificateInfoRequest asks for the public view of one certificate, or
// of all certificates when CertificateID is empty.
type GetCertificateInfoRequest struct {
	CertificateID string `json:"certificate_id,omitempty"`
}

// RevokeCertificateRequest asks the authority to forget a certificate.
type RevokeCertificateRequest struct {
	CertificateID string `json:"certificate_id"`
}

// CertificateResponse carries freshly signed material.
type CertificateResponse struct {
	CertificateID    string    `json:"certificate_id"`
	CertificatePEM   string    `json:"certificate_pem"`
	PrivateKeyPEM    string    `json:"private_key_pem"`
	CACertificatePEM string    `json:"ca_certificate_pem"`
	Serial           string    `json:"serial"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
}

// CertificateInfo is the public view of a stored certificate. It never
// includes the private key.
type CertificateInfo struct {
	CertificateID       string            `json:"certificate_id"`
	CommonName          string            `json:"common_name"`
	DNSNames            []string          `json:"dns_names,omitempty"`
	OrganizationalUnits []string          `json:"organizational_units,omitempty"`
	Serial              string            `json:"serial"`
	NotBefore           time.Time         `json:"not_before"`
	NotAfter            time.Time         `json:"not_after"`
	ValiditySeconds     int64             `json:"validity_seconds"`
	Renewals            int               `json:"renewals"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// GetCertificateInfoResponse lists certificate views.
type GetCertificateInfoResponse struct {
	Certificates []CertificateInfo `json:"certificates"`
}

// RevokeCertificateResponse reports whether a record was dropped.
type RevokeCertificateResponse struct {
	CertificateID string `json:"certificate_id"`
}

// InfoFromRecord builds the public view of rec.
func InfoFromRecord(rec *registry.Record) CertificateInfo {
	info := CertificateInfo{
		CertificateID:       rec.ID,
		CommonName:          rec.CommonName,
		DNSNames:            rec.DNSNames,
		OrganizationalUnits: rec.OrganizationalUnits,
		NotBefore:           rec.NotBefore,
		NotAfter:            rec.NotAfter,
		ValiditySeconds:     int64(rec.Validity / time.Second),
		Renewals:            rec.Renewals,
		Metadata:            rec.Metadata,
	}
	if rec.SerialNumber != nil {
		info.Serial = rec.SerialNumber.String()
	}
	return info
}

func responseFromRecord(rec *registry.Record, caPEM []byte) *CertificateResponse {
	resp := &CertificateResponse{
		CertificateID:    rec.ID,
		CertificatePEM:   string(rec.CertificatePEM),
		PrivateKeyPEM:    string(rec.PrivateKeyPEM),
		CACertificatePEM: string(caPEM),
		NotBefore:        rec.NotBefore,
		NotAfter:         rec.NotAfter,
	}
	if rec.SerialNumber != nil {
		resp.Serial = rec.SerialNumber.String()
	}
	return resp
}
