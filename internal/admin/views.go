package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
)

// CertificateView is the public part of a registry record. It never
// carries the private key.
type CertificateView struct {
	ID                  string            `json:"id"`
	CommonName          string            `json:"commonName"`
	DNSNames            []string          `json:"dnsNames,omitempty"`
	OrganizationalUnits []string          `json:"organizationalUnits,omitempty"`
	SerialNumber        string            `json:"serialNumber,omitempty"`
	NotBefore           time.Time         `json:"notBefore"`
	NotAfter            time.Time         `json:"notAfter"`
	IssuedAt            time.Time         `json:"issuedAt"`
	Renewals            int               `json:"renewals"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CertificatePEM      string            `json:"certificatePEM,omitempty"`
}

// BindingView describes one published volume.
type BindingView struct {
	VolumeID          string    `json:"volumeId"`
	PodNamespace      string    `json:"podNamespace"`
	PodName           string    `json:"podName"`
	TargetPath        string    `json:"targetPath"`
	CertificateID     string    `json:"certificateId"`
	NotBefore         time.Time `json:"notBefore"`
	NotAfter          time.Time `json:"notAfter"`
	RemainingFraction float64   `json:"remainingFraction"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newCertificateView(rec *registry.Record, withPEM bool) CertificateView {
	view := CertificateView{
		ID:                  rec.ID,
		CommonName:          rec.CommonName,
		DNSNames:            rec.DNSNames,
		OrganizationalUnits: rec.OrganizationalUnits,
		NotBefore:           rec.NotBefore,
		NotAfter:            rec.NotAfter,
		IssuedAt:            rec.IssuedAt,
		Renewals:            rec.Renewals,
		Metadata:            rec.Metadata,
	}
	if rec.SerialNumber != nil {
		view.SerialNumber = rec.SerialNumber.Text(16)
	}
	if withPEM {
		view.CertificatePEM = string(rec.CertificatePEM)
	}
	return view
}

func (s *Server) listCertificates(c *gin.Context) {
	records := s.certificates.List(c.Request.Context())
	views := make([]CertificateView, 0, len(records))
	for _, rec := range records {
		views = append(views, newCertificateView(rec, false))
	}
	c.JSON(http.StatusOK, gin.H{"certificates": views, "count": len(views)})
}

func (s *Server) getCertificate(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.certificates.Lookup(c.Request.Context(), id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newCertificateView(rec, true))
}

func (s *Server) listBindings(c *gin.Context) {
	now := s.now()
	bindings := s.bindings.List()
	views := make([]BindingView, 0, len(bindings))
	for _, b := range bindings {
		views = append(views, newBindingView(b, now))
	}
	c.JSON(http.StatusOK, gin.H{"bindings": views, "count": len(views)})
}

func newBindingView(b binding.Binding, now time.Time) BindingView {
	return BindingView{
		VolumeID:          b.VolumeID,
		PodNamespace:      b.PodNamespace,
		PodName:           b.PodName,
		TargetPath:        b.TargetPath,
		CertificateID:     b.CertificateID,
		NotBefore:         b.NotBefore,
		NotAfter:          b.NotAfter,
		RemainingFraction: b.RemainingFraction(now),
	}
}
