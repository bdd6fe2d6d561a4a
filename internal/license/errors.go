// Package license implements the entitlement controller: issuing, activating,
// extending and revoking licenses, and answering module access checks.
package license

import "errors"

var (
	// ErrInvalidLicenseCode means the code does not decode, does not verify,
	// or does not match the license it claims to be.
	ErrInvalidLicenseCode = errors.New("invalid license code")
	// ErrTenantMismatch means the code was issued to a different tenant.
	ErrTenantMismatch = errors.New("license issued to a different tenant")
	// ErrLicenseExpired means the license term has passed.
	ErrLicenseExpired = errors.New("license expired")
	// ErrLicenseRevoked means the license has been permanently revoked.
	ErrLicenseRevoked = errors.New("license revoked")
	// ErrQuotaExceeded is a non-fatal warning: a usage counter crossed its ceiling.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrLicenseNotFound means no license exists with the given ID.
	ErrLicenseNotFound = errors.New("license not found")
	// ErrInvalidRequest means the request parameters failed validation.
	ErrInvalidRequest = errors.New("invalid license request")
	// ErrGrantNotFound means the tenant holds no grant for the module.
	ErrGrantNotFound = errors.New("module grant not found")
)
