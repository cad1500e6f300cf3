// Package trust decides whether a signing certificate, or the certificate of
// a timestamp authority, was trustworthy at a given instant: it builds the
// chain to a configured anchor, checks validity periods and key usage, and
// checks revocation against the supplied OCSP and CRL evidence.
//
// A Service holds no per-call state and is safe for concurrent use. Policy
// knobs are read from a single configuration snapshot per call.
package trust

import (
	"crypto/x509"
	"time"

	"github.com/digitorus/dss/config"
	"github.com/digitorus/dss/revocation"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/jonboulle/clockwork"
)

var logger = log.New("dss/trust")

// maxChainLength bounds path building.
const maxChainLength = 10

// PolicySource provides the policy knobs; *config.Store implements it.
type PolicySource interface {
	Policy() config.Policy
}

// Service validates certificate chains and timestamp tokens.
type Service struct {
	anchors *Anchors
	policy  PolicySource
	clock   clockwork.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used as reference for timestamp offsets.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// New returns a service trusting anchors under the policy of source.
func New(anchors *Anchors, source PolicySource, opts ...Option) *Service {
	if anchors == nil {
		anchors = &Anchors{}
	}
	if source == nil {
		source = config.NewStore()
	}
	s := &Service{
		anchors: anchors,
		policy:  source,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the reference clock of the service.
func (s *Service) Clock() clockwork.Clock {
	return s.clock
}

// Policy returns the current policy knobs.
func (s *Service) Policy() config.Policy {
	return s.policy.Policy()
}

type fixedPolicy config.Policy

func (p fixedPolicy) Policy() config.Policy {
	return config.Policy(p)
}

// WithPolicy returns a view of s that validates under p instead of reading
// its policy source on every call.
func (s *Service) WithPolicy(p config.Policy) *Service {
	view := *s
	view.policy = fixedPolicy(p)
	return &view
}

// ChainResult describes a validated chain.
type ChainResult struct {
	// Chain runs from the validated certificate to the trust anchor.
	Chain []*x509.Certificate
	// Revocation holds the evidence used for each non-anchor certificate,
	// in chain order. It is empty when revocation was not required.
	Revocation []*RevocationStatus
}

// ValidateChain validates the signer certificate chain[0] at the instant at.
// The remaining certificates of chain may be used as intermediates, in any
// order. Every certificate below the anchor must be covered by revocation
// evidence from ev.
func (s *Service) ValidateChain(chain []*x509.Certificate, at time.Time, ev revocation.Evidence) (*ChainResult, error) {
	return validateChain(s.anchors.Signing, chain, at, ev, s.policy.Policy(), true, signingUsage)
}

// validateChain is shared by signer and timestamp authority validation.
func validateChain(anchors, chain []*x509.Certificate, at time.Time, ev revocation.Evidence, policy config.Policy, requireRevocation bool, leafUsage func(*x509.Certificate) error) (*ChainResult, error) {
	if len(chain) == 0 {
		return nil, ErrChainValidationFailed
	}
	leaf := chain[0]
	if err := leafUsage(leaf); err != nil {
		return nil, err
	}

	path, err := buildPath(leaf, chain[1:], anchors)
	if err != nil {
		return nil, err
	}
	result := &ChainResult{Chain: path}

	// The last element of path is the anchor.
	for _, cert := range path[:len(path)-1] {
		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			return nil, chainError(cert, "not valid at %s (valid %s to %s)",
				at.UTC().Format(time.RFC3339), cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
		}
	}

	if !requireRevocation {
		return result, nil
	}
	for i, cert := range path[:len(path)-1] {
		status, err := checkRevocation(cert, path[i+1], at, ev, policy)
		if err != nil {
			return nil, err
		}
		logger.Debugf("revocation of %q covered by %s issued %s", cert.Subject.CommonName, status.Source, status.ThisUpdate.UTC().Format(time.RFC3339))
		result.Revocation = append(result.Revocation, status)
	}
	return result, nil
}

// buildPath walks issuers from leaf until it reaches an anchor, using pool
// for intermediates.
func buildPath(leaf *x509.Certificate, pool, anchors []*x509.Certificate) ([]*x509.Certificate, error) {
	path := []*x509.Certificate{leaf}
	current := leaf
	for len(path) <= maxChainLength {
		for _, a := range anchors {
			if a.Equal(current) {
				return path, nil
			}
		}
		if a := issuerIn(current, anchors, nil); a != nil {
			return append(path, a), nil
		}
		next := issuerIn(current, pool, path)
		if next == nil {
			return nil, chainError(current, "no path to a trust anchor")
		}
		path = append(path, next)
		current = next
	}
	return nil, chainError(leaf, "chain longer than %d certificates", maxChainLength)
}

// issuerIn returns the certificate of candidates that issued cert, skipping
// those already in path.
func issuerIn(cert *x509.Certificate, candidates, path []*x509.Certificate) *x509.Certificate {
	for _, c := range candidates {
		if contains(path, c) || !equalName(cert.RawIssuer, c.RawSubject) {
			continue
		}
		if err := cert.CheckSignatureFrom(c); err == nil {
			return c
		}
	}
	return nil
}

func contains(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

func equalName(a, b []byte) bool {
	return string(a) == string(b)
}
