package trust

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/dss/config"
	"github.com/digitorus/dss/revocation"
	"golang.org/x/crypto/ocsp"
)

// Source names the kind of revocation evidence.
type Source string

const (
	SourceOCSP Source = "OCSP"
	SourceCRL  Source = "CRL"
)

// RevocationStatus is the evidence that showed a certificate not revoked at
// the validation instant.
type RevocationStatus struct {
	Certificate *x509.Certificate
	Source      Source
	ThisUpdate  time.Time
	NextUpdate  time.Time
	// RevokedAt is set when the certificate was revoked after the
	// validation instant.
	RevokedAt *time.Time
}

// checkRevocation consults the preferred kind of evidence first and falls
// back to the other. Only evidence covering at is considered.
func checkRevocation(cert, issuer *x509.Certificate, at time.Time, ev revocation.Evidence, policy config.Policy) (*RevocationStatus, error) {
	sources := []func(*x509.Certificate, *x509.Certificate, time.Time, [][]byte, time.Duration) (*RevocationStatus, error){
		ocspStatus, crlStatus,
	}
	evidence := [][][]byte{ev.OCSP, ev.CRL}
	if policy.PreferCRL {
		sources[0], sources[1] = sources[1], sources[0]
		evidence[0], evidence[1] = evidence[1], evidence[0]
	}
	for i, source := range sources {
		status, err := source(cert, issuer, at, evidence[i], policy.MaxGracePeriod)
		if err != nil || status != nil {
			return status, err
		}
	}
	return nil, &CertificateError{
		Certificate: cert,
		Msg:         fmt.Sprintf("no OCSP response or CRL covers %s", at.UTC().Format(time.RFC3339)),
		Err:         ErrNoRevocationData,
	}
}

// covers reports whether evidence issued at thisUpdate and valid until
// nextUpdate speaks for the instant at. Evidence issued later than the grace
// period after at does not; neither does evidence that expired before at.
// Evidence without a next update must be issued within the grace period
// around at.
func covers(thisUpdate, nextUpdate, at time.Time, grace time.Duration) bool {
	if thisUpdate.After(at.Add(grace)) {
		return false
	}
	if !nextUpdate.IsZero() {
		return !nextUpdate.Before(at)
	}
	return !thisUpdate.Before(at.Add(-grace))
}

func ocspStatus(cert, issuer *x509.Certificate, at time.Time, responses [][]byte, grace time.Duration) (*RevocationStatus, error) {
	for _, der := range responses {
		resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
		if err != nil {
			continue
		}
		if resp.Certificate != nil && !resp.Certificate.Equal(issuer) {
			// Delegated responders must be authorized for OCSP signing.
			if !hasExtKeyUsage(resp.Certificate, x509.ExtKeyUsageOCSPSigning) {
				logger.Debugf("ignoring OCSP response for %q from unauthorized responder %q", cert.Subject.CommonName, resp.Certificate.Subject.CommonName)
				continue
			}
		}
		if !covers(resp.ThisUpdate, resp.NextUpdate, at, grace) {
			continue
		}
		status := &RevocationStatus{
			Certificate: cert,
			Source:      SourceOCSP,
			ThisUpdate:  resp.ThisUpdate,
			NextUpdate:  resp.NextUpdate,
		}
		switch resp.Status {
		case ocsp.Good:
			return status, nil
		case ocsp.Revoked:
			if !resp.RevokedAt.After(at) {
				return nil, chainError(cert, "revoked at %s (OCSP)", resp.RevokedAt.UTC().Format(time.RFC3339))
			}
			revokedAt := resp.RevokedAt
			status.RevokedAt = &revokedAt
			return status, nil
		}
	}
	return nil, nil
}

func crlStatus(cert, issuer *x509.Certificate, at time.Time, crls [][]byte, grace time.Duration) (*RevocationStatus, error) {
	for _, der := range crls {
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			continue
		}
		if !equalName(crl.RawIssuer, issuer.RawSubject) || crl.CheckSignatureFrom(issuer) != nil {
			continue
		}
		if !covers(crl.ThisUpdate, crl.NextUpdate, at, grace) {
			continue
		}
		status := &RevocationStatus{
			Certificate: cert,
			Source:      SourceCRL,
			ThisUpdate:  crl.ThisUpdate,
			NextUpdate:  crl.NextUpdate,
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) != 0 {
				continue
			}
			if !entry.RevocationTime.After(at) {
				return nil, chainError(cert, "revoked at %s (CRL)", entry.RevocationTime.UTC().Format(time.RFC3339))
			}
			revokedAt := entry.RevocationTime
			status.RevokedAt = &revokedAt
		}
		return status, nil
	}
	return nil, nil
}
