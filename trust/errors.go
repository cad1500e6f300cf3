package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	// ErrChainValidationFailed is returned when no valid path to a trust
	// anchor exists at the validation instant.
	ErrChainValidationFailed = errors.New("certificate chain validation failed")

	// ErrNoRevocationData is returned when a certificate of the chain has no
	// revocation evidence covering the validation instant.
	ErrNoRevocationData = errors.New("no revocation data")

	// ErrTimestampOutOfBounds is returned when a timestamp is further from
	// its reference time than the configured maximum offset.
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")

	// ErrInvalidTimestamp is returned for tokens that do not parse or whose
	// signature does not verify.
	ErrInvalidTimestamp = errors.New("invalid timestamp token")
)

// CertificateError identifies the certificate a chain failed on.
type CertificateError struct {
	Certificate *x509.Certificate
	Msg         string
	Err         error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("%v: %q: %s", e.Err, e.Certificate.Subject.String(), e.Msg)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

func chainError(cert *x509.Certificate, format string, args ...any) error {
	return &CertificateError{Certificate: cert, Msg: fmt.Sprintf(format, args...), Err: ErrChainValidationFailed}
}
