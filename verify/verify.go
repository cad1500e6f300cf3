// Package verify runs the verification pipeline over the signatures of a
// manifest: cryptographic validation, qualifying properties and trust.
//
// Failures are scoped to the signature they occur in. A signature that fails
// cryptographic or structural validation is omitted from the output; one
// that fails trust validation is kept with TrustValid set to false and a
// reason code. Verify never aborts the batch for a single signature.
package verify

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/config"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/revocation"
	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/xades"
	"github.com/digitorus/dss/xmldsig"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("dss/verify")

type options struct {
	evidence revocation.Evidence
}

// Option configures a verification.
type Option func(*options)

// WithEvidence adds revocation evidence retrieved outside the engine. It is
// merged with the evidence embedded in each signature.
func WithEvidence(ev revocation.Evidence) Option {
	return func(o *options) {
		o.evidence = o.evidence.Merge(ev)
	}
}

// Verifier verifies the signatures of manifests against one trust service.
// It holds no per-call state and is safe for concurrent use.
type Verifier struct {
	trust *trust.Service
	opts  []Option
}

// New returns a verifier. Options given here apply to every call.
func New(svc *trust.Service, opts ...Option) *Verifier {
	if svc == nil {
		svc = trust.New(nil, nil)
	}
	return &Verifier{trust: svc, opts: opts}
}

// Trust returns the trust service of the verifier.
func (v *Verifier) Trust() *trust.Service {
	return v.trust
}

// Verify validates every signature of manifest, resolving references that
// leave the manifest through deref. It returns one Result per signature in
// manifest order. A nil manifest yields no results.
//
// The trust service clock is an input of the verification: a signature
// without a claimed signing time or a valid timestamp is evaluated at the
// clock reading taken when the call starts, truncated to the second. Results
// are reproducible for a fixed clock.
func (v *Verifier) Verify(manifest *extract.Manifest, deref xmldsig.Dereferencer, opts ...Option) []Result {
	results := []Result{}
	if manifest == nil {
		return results
	}

	var o options
	for _, opt := range append(append([]Option{}, v.opts...), opts...) {
		opt(&o)
	}
	// One policy snapshot and one reference instant serve the whole call.
	policy := v.trust.Policy()
	c := &call{
		id:       uuid.New().String(),
		trust:    v.trust.WithPolicy(policy),
		policy:   policy,
		now:      v.trust.Clock().Now().UTC().Truncate(time.Second),
		evidence: o.evidence,
	}

	accepted := 0
	for _, sig := range manifest.Iter() {
		r := c.verifySignature(sig, manifest.Document, deref)
		if r.Accepted() {
			accepted++
			if r.Info.TrustValid {
				logger.Debugf("[%s] signature %d (%s) trusted at %s (%s)", c.id, r.Index, r.ID, formatTime(r.Info.SigningTime), r.Info.TimeSource)
			} else {
				logger.Infof("[%s] signature %d (%s) is not trusted: %s: %v", c.id, r.Index, r.ID, r.Info.TrustReason, r.Err)
			}
		} else {
			logger.Warnf("[%s] signature %d (%s) skipped: %s: %v", c.id, r.Index, r.ID, r.Reason, r.Err)
		}
		results = append(results, r)
	}
	logger.Infof("[%s] %s: %d of %d signatures accepted", c.id, manifest.Name, accepted, len(results))
	return results
}

// call is the state of one Verify call.
type call struct {
	id     string
	trust  *trust.Service
	policy config.Policy
	// now is the signing time of signatures that neither claim one nor
	// carry a valid timestamp. It comes from the trust service clock.
	now      time.Time
	evidence revocation.Evidence
}

func (c *call) verifySignature(sig *extract.Signature, doc *etree.Document, deref xmldsig.Dereferencer) Result {
	result := Result{Index: sig.Index, ID: sig.ID}
	omit := func(err error) Result {
		result.Reason = ReasonOf(err)
		result.Err = err
		return result
	}

	res, err := xmldsig.Validate(sig.Element, doc, deref)
	if err != nil {
		return omit(err)
	}
	props, err := xades.Parse(sig.Element, res.Signer(), res.Covers)
	if err != nil {
		return omit(err)
	}

	info := &SignatureInfo{
		Index:            sig.Index,
		ID:               sig.ID,
		Signer:           res.Signer(),
		SignerName:       signerName(res.Signer()),
		CryptoValid:      true,
		Role:             strings.Join(props.ClaimedRoles, ", "),
		PolicyIdentifier: props.PolicyIdentifier,
		CommitmentType:   strings.Join(props.CommitmentTypes, ", "),
		ProductionPlace:  props.ProductionPlace,
	}
	for _, ref := range res.References {
		if ref.Element == nil {
			info.References = append(info.References, ref.URI)
		}
	}
	for _, cert := range res.Certificates {
		info.Certificates = append(info.Certificates, newCertificate(cert))
	}

	switch {
	case props.SigningTime != nil:
		info.SigningTime, info.TimeSource = *props.SigningTime, TimeSourceClaimed
	default:
		info.SigningTime, info.TimeSource = c.now, TimeSourceNone
	}

	if err := c.establishTrust(info, res, props); err != nil {
		info.TrustReason = ReasonOf(err)
		info.TrustError = err.Error()
		result.Reason = info.TrustReason
		result.Err = err
	} else {
		info.TrustValid = true
	}
	result.Info = info
	return result
}

// establishTrust validates the signature timestamp, if any, and the signer
// chain at the resulting signing time.
func (c *call) establishTrust(info *SignatureInfo, res *xmldsig.Result, props *xades.Properties) error {
	ev := c.evidence.Merge(props.Evidence)

	if len(props.SignatureTimestamps) > 0 {
		ts, err := c.signatureTimestamp(props, ev)
		if err != nil {
			return fmt.Errorf("signature timestamp: %w", err)
		}
		info.SigningTime, info.TimeSource = ts.Time.UTC(), TimeSourceTimestamp
		info.Timestamp = &Timestamp{
			Time:          ts.Time.UTC(),
			Authority:     signerName(ts.Signer),
			HashAlgorithm: ts.HashAlgorithm.String(),
		}
	} else if c.policy.RequireTimestamp {
		return ErrTimestampMissing
	}

	chain := make([]*x509.Certificate, 0, len(res.Certificates)+len(props.Certificates))
	chain = append(chain, res.Certificates...)
	chain = append(chain, props.Certificates...)
	result, err := c.trust.ValidateChain(chain, info.SigningTime, ev)
	if err != nil {
		return err
	}
	info.Certificates = certificates(result)
	return nil
}

// signatureTimestamp returns the first signature timestamp that validates,
// including revocation of its authority chain against ev. The asserted time
// is checked against the claimed signing time when there is one.
func (c *call) signatureTimestamp(props *xades.Properties, ev revocation.Evidence) (*trust.TimestampResult, error) {
	opt := trust.WithoutOffsetCheck()
	if props.SigningTime != nil {
		opt = trust.WithReferenceTime(*props.SigningTime)
	}
	var first error
	for _, st := range props.SignatureTimestamps {
		err := st.Err
		if err == nil {
			var ts *trust.TimestampResult
			if ts, err = c.trust.ValidateTimestampWithRevocation(st.Token, ev, opt); err == nil {
				return ts, nil
			}
		}
		if first == nil {
			first = err
		}
	}
	return nil, first
}

func signerName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	return cert.Subject.String()
}

// formatTime is used in log lines.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
