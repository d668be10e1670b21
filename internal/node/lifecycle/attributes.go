package lifecycle

import (
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/authority"
)

// Volume attributes.
const (
	AttributeValidityDays        = "validity_days"
	AttributeOrganizationalUnits = "organizational_units"
	AttributeCNTemplate          = "cn_template"
)

// DefaultValidityDays is used when a volume sets no validity.
const DefaultValidityDays = 7

// maxValidityDays keeps the validity representable as a time.Duration.
const maxValidityDays = 36500

// maxOrganizationalUnitLength is the X.520 upper bound of an OU value.
const maxOrganizationalUnitLength = 64

// ParseOrganizationalUnits splits a comma separated list, trimming entries
// and dropping empty ones. Order is preserved.
func ParseOrganizationalUnits(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	units := authority.NormalizeOrganizationalUnits(strings.Split(value, ","))
	for _, u := range units {
		if len(u) > maxOrganizationalUnitLength {
			return nil, &AttributeError{
				Attribute: AttributeOrganizationalUnits,
				Value:     value,
				Reason:    "organizational unit " + strconv.Quote(u) + " exceeds 64 characters",
			}
		}
	}
	return units, nil
}

// ParseValidity parses a positive whole number of days. An empty value
// yields defaultDays.
func ParseValidity(value string, defaultDays int) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Duration(defaultDays) * 24 * time.Hour, nil
	}

	days, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, &AttributeError{Attribute: AttributeValidityDays, Value: value, Reason: "must be an integer"}
	}
	if days <= 0 {
		return 0, &AttributeError{Attribute: AttributeValidityDays, Value: value, Reason: "must be positive"}
	}
	if days > maxValidityDays {
		return 0, &AttributeError{Attribute: AttributeValidityDays, Value: value, Reason: "must not exceed " + strconv.Itoa(maxValidityDays)}
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// CertificateID returns the identifier of the certificate backing a volume.
func CertificateID(podNamespace, podName, volumeID string) string {
	return podNamespace + "-" + podName + "-" + volumeID
}
