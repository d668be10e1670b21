package authority

import "time"

// Defaults for the development self-signed authority.
const (
	// DefaultCACommonName is the common name of a generated CA certificate.
	DefaultCACommonName = "cacsi-dev-ca"

	// DefaultCAValidity is the validity of a generated CA certificate (1 year).
	DefaultCAValidity = 365 * 24 * time.Hour

	// DefaultOrganization is the organization of a generated CA certificate.
	DefaultOrganization = "cacsi"
)

// PEM block types.
const (
	pemTypeCertificate  = "CERTIFICATE"
	pemTypePKCS8Key     = "PRIVATE KEY"
	pemTypePKCS1Key     = "RSA PRIVATE KEY"
	pemTypeECPrivateKey = "EC PRIVATE KEY"
)
