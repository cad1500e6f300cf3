package verify

import (
	"errors"

	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/xades"
	"github.com/digitorus/dss/xmldsig"
)

// ErrTimestampMissing is reported when policy requires a signature timestamp
// and the signature has none.
var ErrTimestampMissing = errors.New("signature timestamp required")

// Reason is a stable code for why a signature was omitted or not trusted.
type Reason string

const (
	ReasonMalformedSignature        Reason = "MALFORMED_SIGNATURE"
	ReasonReferenceNotFound         Reason = "REFERENCE_NOT_FOUND"
	ReasonDigestMismatch            Reason = "DIGEST_MISMATCH"
	ReasonInvalidSignature          Reason = "INVALID_SIGNATURE"
	ReasonUnsupportedAlgorithm      Reason = "UNSUPPORTED_ALGORITHM"
	ReasonAmbiguousKeyInfo          Reason = "AMBIGUOUS_KEY_INFO"
	ReasonSignerCertificateMismatch Reason = "SIGNER_CERTIFICATE_MISMATCH"
	ReasonTimestampImprintMismatch  Reason = "TIMESTAMP_IMPRINT_MISMATCH"
	ReasonMalformedProperties       Reason = "MALFORMED_PROPERTIES"
	ReasonChainValidationFailed     Reason = "CHAIN_VALIDATION_FAILED"
	ReasonNoRevocationData          Reason = "NO_REVOCATION_DATA"
	ReasonTimestampOutOfBounds      Reason = "TIMESTAMP_OUT_OF_BOUNDS"
	ReasonInvalidTimestamp          Reason = "INVALID_TIMESTAMP"
	ReasonTimestampMissing          Reason = "TIMESTAMP_MISSING"
	ReasonUnknown                   Reason = "UNKNOWN"
)

var reasons = []struct {
	err    error
	reason Reason
}{
	{xmldsig.ErrReferenceNotFound, ReasonReferenceNotFound},
	{xmldsig.ErrDigestMismatch, ReasonDigestMismatch},
	{xmldsig.ErrInvalidSignature, ReasonInvalidSignature},
	{xmldsig.ErrUnsupportedAlgorithm, ReasonUnsupportedAlgorithm},
	{xmldsig.ErrAmbiguousKeyInfo, ReasonAmbiguousKeyInfo},
	{xmldsig.ErrMalformedSignature, ReasonMalformedSignature},
	{xades.ErrSignerCertificateMismatch, ReasonSignerCertificateMismatch},
	{xades.ErrTimestampImprintMismatch, ReasonTimestampImprintMismatch},
	{xades.ErrMalformedTimestamp, ReasonInvalidTimestamp},
	{xades.ErrMalformedProperties, ReasonMalformedProperties},
	// Missing revocation data is more specific than a failed chain.
	{trust.ErrNoRevocationData, ReasonNoRevocationData},
	{trust.ErrTimestampOutOfBounds, ReasonTimestampOutOfBounds},
	{trust.ErrInvalidTimestamp, ReasonInvalidTimestamp},
	{trust.ErrChainValidationFailed, ReasonChainValidationFailed},
	{ErrTimestampMissing, ReasonTimestampMissing},
}

// ReasonOf maps an error of the verification pipeline to its reason code.
// It returns the empty Reason for a nil error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonUnknown
}
