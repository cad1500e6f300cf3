package xmldsig

import (
	"errors"
	"fmt"

	"github.com/digitorus/dss/container"
)

var (
	// ErrReferenceNotFound is returned when a reference cannot be resolved.
	// It is the same value as container.ErrReferenceNotFound.
	ErrReferenceNotFound = container.ErrReferenceNotFound

	ErrDigestMismatch       = errors.New("reference digest mismatch")
	ErrInvalidSignature     = errors.New("invalid signature value")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrAmbiguousKeyInfo     = errors.New("ambiguous key info")
	ErrMalformedSignature   = errors.New("malformed signature")
)

// ReferenceError reports a ds:Reference that failed to validate.
type ReferenceError struct {
	URI string
	Err error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference %q: %v", e.URI, e.Err)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}
