package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// maxResponseSize bounds the body read from a responder or distribution point.
const maxResponseSize = 10 << 20

// ErrNoDistributionPoint is returned when a certificate names no OCSP
// responder or CRL distribution point.
var ErrNoDistributionPoint = errors.New("certificate has no revocation distribution point")

// Fetcher downloads revocation evidence from the OCSP responders and CRL
// distribution points named in certificates. It runs outside the
// verification engine, which only consumes the collected Evidence.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Collect fetches evidence for every certificate of chain that has an issuer
// in chain. OCSP is tried first, CRL distribution points second. Failures for
// one certificate do not stop the others; they are joined into the error.
func (f *Fetcher) Collect(ctx context.Context, chain []*x509.Certificate) (Evidence, error) {
	var ev Evidence
	var errs []error
	for _, cert := range chain {
		issuer := issuerOf(cert, chain)
		if issuer == nil {
			continue
		}
		resp, ocspErr := f.OCSP(ctx, cert, issuer)
		if ocspErr == nil {
			ev.AddOCSP(resp)
			continue
		}
		crl, crlErr := f.CRL(ctx, cert)
		if crlErr == nil {
			ev.AddCRL(crl)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", cert.Subject.CommonName, errors.Join(ocspErr, crlErr)))
	}
	return ev, errors.Join(errs...)
}

// OCSP queries the responders of cert and returns the first response that
// parses for it.
func (f *Fetcher) OCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDistributionPoint, cert.Subject)
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		body, err := f.do(ctx, http.MethodPost, server, "application/ocsp-request", req)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := ocsp.ParseResponseForCert(body, cert, issuer); err != nil {
			lastErr = fmt.Errorf("failed to parse OCSP response from %s: %w", server, err)
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

// CRL downloads the first parseable CRL from the distribution points of cert.
func (f *Fetcher) CRL(ctx context.Context, cert *x509.Certificate) ([]byte, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDistributionPoint, cert.Subject)
	}
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		body, err := f.do(ctx, http.MethodGet, dp, "", nil)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := x509.ParseRevocationList(body); err != nil {
			lastErr = fmt.Errorf("failed to parse CRL from %s: %w", dp, err)
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

func (f *Fetcher) do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return data, nil
}

func issuerOf(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, c := range chain {
		if c != cert && bytes.Equal(cert.RawIssuer, c.RawSubject) && cert.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	return nil
}
