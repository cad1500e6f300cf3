package verify

import (
	"crypto/x509"
	"time"

	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/xades"
)

// TimeSource tells where the signing time of a signature was taken from.
type TimeSource string

const (
	// TimeSourceTimestamp is the time asserted by a validated signature
	// timestamp.
	TimeSourceTimestamp TimeSource = "timestamp"
	// TimeSourceClaimed is the signing time claimed in the signed
	// properties. It is provided by the signer and not independently
	// attested.
	TimeSourceClaimed TimeSource = "claimed"
	// TimeSourceNone means neither was available and the verification time
	// was used.
	TimeSourceNone TimeSource = "none"
)

// SignatureInfo describes one signature that passed cryptographic
// validation. It is not modified after Verify returns it.
type SignatureInfo struct {
	// Index is the position of the signature in the manifest.
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`

	Signer      *x509.Certificate `json:"-"`
	SignerName  string            `json:"signer"`
	SigningTime time.Time         `json:"signing_time"`
	TimeSource  TimeSource        `json:"time_source"`

	CryptoValid bool   `json:"crypto_valid"`
	TrustValid  bool   `json:"trust_valid"`
	TrustReason Reason `json:"trust_reason,omitempty"`
	TrustError  string `json:"trust_error,omitempty"`

	Role             string                 `json:"role,omitempty"`
	PolicyIdentifier string                 `json:"policy_identifier,omitempty"`
	CommitmentType   string                 `json:"commitment_type,omitempty"`
	ProductionPlace  *xades.ProductionPlace `json:"production_place,omitempty"`

	Timestamp    *Timestamp    `json:"timestamp,omitempty"`
	References   []string      `json:"references"`
	Certificates []Certificate `json:"certificates"`
}

// Timestamp describes the validated signature timestamp.
type Timestamp struct {
	Time          time.Time `json:"time"`
	Authority     string    `json:"authority"`
	HashAlgorithm string    `json:"hash_algorithm"`
}

// Certificate is one certificate of the signer chain. Revocation fields are
// filled for certificates whose status was established.
type Certificate struct {
	Certificate      *x509.Certificate `json:"-"`
	Subject          string            `json:"subject"`
	Issuer           string            `json:"issuer"`
	SerialNumber     string            `json:"serial_number"`
	NotBefore        time.Time         `json:"not_before"`
	NotAfter         time.Time         `json:"not_after"`
	Anchor           bool              `json:"anchor"`
	RevocationSource trust.Source      `json:"revocation_source,omitempty"`
	RevocationTime   *time.Time        `json:"revocation_time,omitempty"` // revoked after the signing time
}

func newCertificate(cert *x509.Certificate) Certificate {
	return Certificate{
		Certificate:  cert,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
	}
}

// certificates lists the certificates of a validated chain, the anchor last.
func certificates(result *trust.ChainResult) []Certificate {
	out := make([]Certificate, 0, len(result.Chain))
	for i, cert := range result.Chain {
		c := newCertificate(cert)
		c.Anchor = i == len(result.Chain)-1
		if i < len(result.Revocation) {
			status := result.Revocation[i]
			c.RevocationSource = status.Source
			c.RevocationTime = status.RevokedAt
		}
		out = append(out, c)
	}
	return out
}

// Result is the outcome of verifying one signature. Info is nil when the
// signature was omitted; Reason and Err then say why.
type Result struct {
	Index  int
	ID     string
	Info   *SignatureInfo
	Reason Reason
	Err    error
}

// Accepted reports whether the signature made it into the output.
func (r Result) Accepted() bool {
	return r.Info != nil
}

// Accepted returns the SignatureInfo of every accepted result, in order.
func Accepted(results []Result) []*SignatureInfo {
	infos := make([]*SignatureInfo, 0, len(results))
	for _, r := range results {
		if r.Accepted() {
			infos = append(infos, r.Info)
		}
	}
	return infos
}
