package verify_test

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/config"
	"github.com/digitorus/dss/container"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/internal/testpki"
	"github.com/digitorus/dss/revocation"
	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/verify"
	"github.com/digitorus/dss/xades"
	"github.com/digitorus/dss/xmldsig"
	"github.com/jonboulle/clockwork"
)

var entries = []testpki.Entry{
	{Name: "mimetype", Data: []byte("application/zip")},
	{Name: "content/report.txt", Data: []byte("quarterly report")},
}

func newVerifier(t *testing.T, pki *testpki.TestPKI, values map[string]string) *verify.Verifier {
	t.Helper()
	store := config.NewStore()
	if err := store.Publish(values); err != nil {
		t.Fatalf("failed to publish config: %v", err)
	}
	anchors := &trust.Anchors{Signing: []*x509.Certificate{pki.RootCert}}
	return verify.New(trust.New(anchors, store, trust.WithClock(clockwork.NewFakeClockAt(pki.Now))))
}

// editedZIP builds a signed container and applies edit to the manifest root
// after signing.
func editedZIP(t *testing.T, pki *testpki.TestPKI, edit func(*etree.Element), signatures ...testpki.SignatureOptions) []byte {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(pki.Manifest(entries, signatures...)); err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}
	edit(doc.Root())
	data, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	all := append([]testpki.Entry{}, entries...)
	return pki.ZIP(append(all, testpki.Entry{Name: testpki.ManifestName, Data: data})...)
}

func run(t *testing.T, v *verify.Verifier, doc []byte, opts ...verify.Option) []verify.Result {
	t.Helper()
	archive, err := container.Open(doc)
	if err != nil {
		t.Fatalf("failed to open container: %v", err)
	}
	manifest, err := extract.FindManifest(archive)
	if err != nil {
		t.Fatalf("failed to find manifest: %v", err)
	}
	return v.Verify(manifest, archive, opts...)
}

// evidence returns OCSP responses covering the intermediate, the TSA and
// leaves from thisUpdate until an hour after the PKI's now.
func evidence(pki *testpki.TestPKI, thisUpdate time.Time, leaves ...*x509.Certificate) revocation.Evidence {
	var ev revocation.Evidence
	next := pki.Now.Add(time.Hour)
	ev.AddOCSP(pki.OCSPResponse(pki.IntermediateCerts[0], thisUpdate, next))
	ev.AddOCSP(pki.OCSPResponse(pki.TSACert, thisUpdate, next))
	for _, leaf := range leaves {
		ev.AddOCSP(pki.OCSPResponse(leaf, thisUpdate, next))
	}
	return ev
}

func signer(pki *testpki.TestPKI, name string) testpki.SignatureOptions {
	key, cert := pki.IssueLeaf(name)
	return testpki.SignatureOptions{
		Key:          key,
		Certificates: []*x509.Certificate{cert, pki.IntermediateCerts[0]},
		SigningTime:  pki.Now.Add(-time.Hour),
	}
}

func TestVerifyUnsigned(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	results := run(t, v, pki.ZIP(entries...))
	if results == nil || len(results) != 0 {
		t.Fatalf("expected an empty result, got %v", results)
	}
	if infos := verify.Accepted(results); infos == nil || len(infos) != 0 {
		t.Fatalf("expected no signature info, got %v", infos)
	}
}

func TestVerifyTrusted(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	opts := signer(pki, "Alice")
	opts.Role = "Director"
	opts.Policy = "urn:oid:1.3.6.1.4.1.55555.2"
	opts.CommitmentType = "http://uri.etsi.org/01903/v1.2.2#ProofOfOrigin"
	opts.City = "Brussels"
	opts.CountryName = "BE"
	doc := pki.SignedZIP(entries, opts)

	results := run(t, v, doc, verify.WithEvidence(evidence(pki, opts.SigningTime, opts.Certificates[0])))
	if len(results) != 1 || !results[0].Accepted() {
		t.Fatalf("expected one accepted signature, got %+v", results)
	}
	info := results[0].Info
	if !info.CryptoValid || !info.TrustValid {
		t.Fatalf("signature not trusted: %s %s", info.TrustReason, info.TrustError)
	}
	if info.ID != "sig-1" || info.SignerName != "Alice" || !info.Signer.Equal(opts.Certificates[0]) {
		t.Errorf("unexpected signer %q (%s)", info.SignerName, info.ID)
	}
	if info.TimeSource != verify.TimeSourceClaimed || !info.SigningTime.Equal(opts.SigningTime) {
		t.Errorf("signing time %v from %s", info.SigningTime, info.TimeSource)
	}
	if info.Role != "Director" || info.PolicyIdentifier != opts.Policy || info.CommitmentType != opts.CommitmentType {
		t.Errorf("qualifying properties not reported: %+v", info)
	}
	if info.ProductionPlace == nil || info.ProductionPlace.City != "Brussels" {
		t.Errorf("production place %v", info.ProductionPlace)
	}
	if len(info.References) != 2 || info.References[0] != "mimetype" || info.References[1] != "content/report.txt" {
		t.Errorf("references %v", info.References)
	}

	if len(info.Certificates) != 3 {
		t.Fatalf("expected a chain of 3 certificates, got %d", len(info.Certificates))
	}
	for i, c := range info.Certificates[:2] {
		if c.Anchor || c.RevocationSource != trust.SourceOCSP {
			t.Errorf("certificate %d: anchor=%v revocation=%q", i, c.Anchor, c.RevocationSource)
		}
	}
	if root := info.Certificates[2]; !root.Anchor || !root.Certificate.Equal(pki.RootCert) {
		t.Errorf("chain does not end in the anchor")
	}
}

// A corrupted signature among valid ones is omitted without affecting the
// others, and the output keeps manifest order.
func TestVerifyPartialFailure(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	first, corrupt, third, ambiguous := signer(pki, "First"), signer(pki, "Corrupt"), signer(pki, "Third"), signer(pki, "Ambiguous")
	corrupt.Corrupt = true
	_, other := pki.IssueLeaf("Other")
	ambiguous.Certificates = append(ambiguous.Certificates, other)

	doc := pki.SignedZIP(entries, first, corrupt, third, ambiguous)
	ev := evidence(pki, first.SigningTime, first.Certificates[0], third.Certificates[0])
	results := run(t, v, doc, verify.WithEvidence(ev))

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	want := []struct {
		accepted bool
		reason   verify.Reason
	}{
		{true, ""},
		{false, verify.ReasonInvalidSignature},
		{true, ""},
		{false, verify.ReasonAmbiguousKeyInfo},
	}
	for i, w := range want {
		r := results[i]
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
		if r.Accepted() != w.accepted || r.Reason != w.reason {
			t.Errorf("result %d: accepted=%v reason=%q err=%v, want accepted=%v reason=%q", i, r.Accepted(), r.Reason, r.Err, w.accepted, w.reason)
		}
	}

	infos := verify.Accepted(results)
	if len(infos) != 2 || infos[0].SignerName != "First" || infos[1].SignerName != "Third" {
		t.Fatalf("unexpected accepted signatures")
	}
	for _, info := range infos {
		if !info.TrustValid {
			t.Errorf("%s not trusted: %s", info.SignerName, info.TrustError)
		}
	}
}

func TestVerifyOmitted(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)
	_, other := pki.IssueLeaf("Other")

	tests := []struct {
		name   string
		mutate func(*testpki.SignatureOptions)
		want   verify.Reason
	}{
		{"absolute path reference", func(o *testpki.SignatureOptions) { o.References = []string{"/etc/passwd"} }, verify.ReasonReferenceNotFound},
		{"external URL reference", func(o *testpki.SignatureOptions) { o.References = []string{"https://example.com/report.txt"} }, verify.ReasonReferenceNotFound},
		{"signing certificate mismatch", func(o *testpki.SignatureOptions) { o.SigningCertificate = other }, verify.ReasonSignerCertificateMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := signer(pki, "Signer")
			tt.mutate(&opts)
			results := run(t, v, pki.SignedZIP(entries, opts))
			if len(results) != 1 {
				t.Fatalf("expected one result, got %d", len(results))
			}
			if results[0].Accepted() || results[0].Reason != tt.want {
				t.Fatalf("expected omission with %s, got accepted=%v reason=%s", tt.want, results[0].Accepted(), results[0].Reason)
			}
			if len(verify.Accepted(results)) != 0 {
				t.Fatalf("omitted signature reported")
			}
		})
	}
}

func TestVerifyRevocationEvidence(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)
	opts := signer(pki, "Signer")
	leaf := opts.Certificates[0]
	doc := pki.SignedZIP(entries, opts)

	full := evidence(pki, opts.SigningTime, leaf)
	var leafOnly revocation.Evidence
	leafOnly.AddOCSP(pki.OCSPResponse(leaf, opts.SigningTime, pki.Now.Add(time.Hour)))

	tests := []struct {
		name    string
		ev      revocation.Evidence
		trusted bool
		reason  verify.Reason
	}{
		{"leaf and intermediate", full, true, ""},
		{"intermediate missing", leafOnly, false, verify.ReasonNoRevocationData},
		{"none", revocation.Evidence{}, false, verify.ReasonNoRevocationData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := run(t, v, doc, verify.WithEvidence(tt.ev))
			infos := verify.Accepted(results)
			if len(infos) != 1 {
				t.Fatalf("trust failures must not omit the signature")
			}
			info := infos[0]
			if !info.CryptoValid || info.TrustValid != tt.trusted || info.TrustReason != tt.reason {
				t.Fatalf("trusted=%v reason=%q (%s), want trusted=%v reason=%q", info.TrustValid, info.TrustReason, info.TrustError, tt.trusted, tt.reason)
			}
			if !tt.trusted && !errors.Is(results[0].Err, trust.ErrNoRevocationData) {
				t.Errorf("unexpected error %v", results[0].Err)
			}
		})
	}
}

func TestVerifyEmbeddedEvidence(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	key, leaf := pki.IssueLeaf("Embedded")
	signingTime := pki.Now.Add(-time.Hour)
	ev := evidence(pki, signingTime, leaf)
	doc := pki.SignedZIP(entries, testpki.SignatureOptions{
		Key:               key,
		Certificates:      []*x509.Certificate{leaf},
		SigningTime:       signingTime,
		CertificateValues: []*x509.Certificate{pki.IntermediateCerts[0]},
		OCSP:              ev.OCSP,
	})

	infos := verify.Accepted(run(t, v, doc))
	if len(infos) != 1 || !infos[0].TrustValid {
		t.Fatalf("embedded validation data not used: %+v", infos)
	}
}

func TestVerifySignatureTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)

	opts := signer(pki, "Stamped")
	opts.SigningTime = pki.Now.Add(-3 * time.Hour)
	opts.TimestampAt = pki.Now.Add(-time.Hour)
	doc := pki.SignedZIP(entries, opts)
	ev := evidence(pki, opts.SigningTime, opts.Certificates[0])

	tests := []struct {
		maxOffset string
		trusted   bool
		reason    verify.Reason
	}{
		{"3600000", false, verify.ReasonTimestampOutOfBounds},
		{"10800000", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.maxOffset, func(t *testing.T) {
			v := newVerifier(t, pki, map[string]string{config.TimestampMaxOffset.Name: tt.maxOffset})
			infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
			if len(infos) != 1 {
				t.Fatalf("expected one signature, got %d", len(infos))
			}
			info := infos[0]
			if info.TrustValid != tt.trusted || info.TrustReason != tt.reason {
				t.Fatalf("trusted=%v reason=%q (%s)", info.TrustValid, info.TrustReason, info.TrustError)
			}
			if !tt.trusted {
				return
			}
			if info.TimeSource != verify.TimeSourceTimestamp || !info.SigningTime.Equal(opts.TimestampAt) {
				t.Errorf("signing time %v from %s, want the timestamp", info.SigningTime, info.TimeSource)
			}
			if info.Timestamp == nil || info.Timestamp.Authority != pki.TSACert.Subject.CommonName || info.Timestamp.HashAlgorithm != crypto.SHA256.String() {
				t.Errorf("timestamp %+v", info.Timestamp)
			}
		})
	}
}

func TestVerifyTimestampAuthorityRevocation(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, map[string]string{config.TimestampMaxOffset.Name: "10800000"})

	opts := signer(pki, "Stamped")
	opts.TimestampAt = pki.Now.Add(-time.Hour)
	doc := pki.SignedZIP(entries, opts)

	var signerOnly revocation.Evidence
	signerOnly.AddOCSP(pki.OCSPResponse(opts.Certificates[0], opts.SigningTime, pki.Now.Add(time.Hour)))
	signerOnly.AddOCSP(pki.OCSPResponse(pki.IntermediateCerts[0], opts.SigningTime, pki.Now.Add(time.Hour)))

	infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(signerOnly)))
	if len(infos) != 1 {
		t.Fatalf("expected one signature, got %d", len(infos))
	}
	if infos[0].TrustValid || infos[0].TrustReason != verify.ReasonNoRevocationData {
		t.Errorf("TSA without evidence: trusted=%v reason=%q (%s)", infos[0].TrustValid, infos[0].TrustReason, infos[0].TrustError)
	}

	pki.Revoke(pki.TSACert, pki.Now.Add(-2*time.Hour))
	ev := evidence(pki, opts.SigningTime, opts.Certificates[0])
	results := run(t, v, doc, verify.WithEvidence(ev))
	infos = verify.Accepted(results)
	if len(infos) != 1 {
		t.Fatalf("a revoked TSA must not omit the signature")
	}
	if infos[0].TrustValid || infos[0].TrustReason != verify.ReasonChainValidationFailed {
		t.Errorf("revoked TSA: trusted=%v reason=%q (%s)", infos[0].TrustValid, infos[0].TrustReason, infos[0].TrustError)
	}
	if !errors.Is(results[0].Err, trust.ErrChainValidationFailed) {
		t.Errorf("unexpected error %v", results[0].Err)
	}
}

func TestVerifyBadSignatureTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, map[string]string{config.TimestampMaxOffset.Name: "10800000"})

	opts := signer(pki, "Stamped")
	opts.TimestampAt = pki.Now.Add(-time.Hour)
	ev := evidence(pki, opts.SigningTime, opts.Certificates[0])

	tests := []struct {
		name  string
		token []byte
		want  verify.Reason
	}{
		{"other imprint", pki.Timestamp([]byte("another signature value"), opts.TimestampAt), verify.ReasonTimestampImprintMismatch},
		{"not a token", []byte("not a token"), verify.ReasonInvalidTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := editedZIP(t, pki, func(root *etree.Element) {
				root.FindElement(".//xades:EncapsulatedTimeStamp").SetText(base64.StdEncoding.EncodeToString(tt.token))
			}, opts)

			infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
			if len(infos) != 1 {
				t.Fatalf("a bad timestamp must not omit the signature")
			}
			info := infos[0]
			if !info.CryptoValid || info.TrustValid || info.TrustReason != tt.want {
				t.Fatalf("trusted=%v reason=%q (%s), want %q", info.TrustValid, info.TrustReason, info.TrustError, tt.want)
			}
		})
	}
}

func TestVerifyMalformedValidationData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	opts := signer(pki, "Embedded")
	ev := evidence(pki, opts.SigningTime, opts.Certificates[0])
	opts.CertificateValues = []*x509.Certificate{pki.IntermediateCerts[0]}
	opts.OCSP = ev.OCSP
	doc := editedZIP(t, pki, func(root *etree.Element) {
		root.FindElement(".//xades:EncapsulatedX509Certificate").SetText("%%%%")
		root.FindElement(".//xades:EncapsulatedOCSPValue").SetText("%%%%")
	}, opts)

	infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
	if len(infos) != 1 {
		t.Fatalf("malformed validation data must not omit the signature")
	}
	if !infos[0].TrustValid {
		t.Errorf("signature not trusted: %s: %s", infos[0].TrustReason, infos[0].TrustError)
	}
}

func TestVerifyRequireTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, map[string]string{config.RequireTimestamp.Name: "true"})

	plain := signer(pki, "Plain")
	stamped := signer(pki, "Stamped")
	stamped.TimestampAt = stamped.SigningTime.Add(time.Minute)
	doc := pki.SignedZIP(entries, plain, stamped)
	ev := evidence(pki, plain.SigningTime, plain.Certificates[0], stamped.Certificates[0])

	infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
	if len(infos) != 2 {
		t.Fatalf("expected two signatures, got %d", len(infos))
	}
	if infos[0].TrustValid || infos[0].TrustReason != verify.ReasonTimestampMissing {
		t.Errorf("unstamped signature: trusted=%v reason=%q", infos[0].TrustValid, infos[0].TrustReason)
	}
	if !infos[1].TrustValid {
		t.Errorf("stamped signature not trusted: %s", infos[1].TrustError)
	}
}

func TestVerifyDeterministic(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	a, b := signer(pki, "A"), signer(pki, "B")
	b.Corrupt = true
	doc := pki.SignedZIP(entries, a, b)
	ev := evidence(pki, a.SigningTime, a.Certificates[0])

	encode := func() []byte {
		results := run(t, v, doc, verify.WithEvidence(ev))
		var reasons []verify.Reason
		for _, r := range results {
			reasons = append(reasons, r.Reason)
		}
		data, err := json.Marshal(struct {
			Reasons    []verify.Reason
			Signatures []*verify.SignatureInfo
		}{reasons, verify.Accepted(results)})
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	first, second := encode(), encode()
	if !bytes.Equal(first, second) {
		t.Fatalf("verification is not deterministic:\n%s\n%s", first, second)
	}
}

func TestVerifyWithoutSigningTime(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	v := newVerifier(t, pki, nil)

	opts := signer(pki, "Untimed")
	opts.SigningTime = time.Time{}
	doc := pki.SignedZIP(entries, opts)
	ev := evidence(pki, pki.Now.Add(-time.Hour), opts.Certificates[0])

	encode := func() []byte {
		infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
		if len(infos) != 1 {
			t.Fatalf("expected one signature, got %d", len(infos))
		}
		if infos[0].TimeSource != verify.TimeSourceNone || !infos[0].SigningTime.Equal(pki.Now.Truncate(time.Second)) {
			t.Fatalf("signing time %v from %s, want the clock reading", infos[0].SigningTime, infos[0].TimeSource)
		}
		if !infos[0].TrustValid {
			t.Fatalf("signature not trusted: %s", infos[0].TrustError)
		}
		data, err := json.Marshal(infos)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	if first, second := encode(), encode(); !bytes.Equal(first, second) {
		t.Fatalf("verification against a fixed clock is not deterministic:\n%s\n%s", first, second)
	}
}

// countingPolicy counts the policy reads of a verification.
type countingPolicy struct {
	*config.Store
	reads int
}

func (p *countingPolicy) Policy() config.Policy {
	p.reads++
	return p.Store.Policy()
}

func TestVerifyReadsPolicyOnce(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	store := config.NewStore()
	if err := store.Publish(map[string]string{config.TimestampMaxOffset.Name: "10800000"}); err != nil {
		t.Fatalf("failed to publish config: %v", err)
	}
	source := &countingPolicy{Store: store}
	anchors := &trust.Anchors{Signing: []*x509.Certificate{pki.RootCert}}
	v := verify.New(trust.New(anchors, source, trust.WithClock(clockwork.NewFakeClockAt(pki.Now))))

	a, b := signer(pki, "A"), signer(pki, "B")
	b.TimestampAt = pki.Now.Add(-time.Hour)
	doc := pki.SignedZIP(entries, a, b)
	ev := evidence(pki, a.SigningTime, a.Certificates[0], b.Certificates[0])

	infos := verify.Accepted(run(t, v, doc, verify.WithEvidence(ev)))
	if len(infos) != 2 || !infos[0].TrustValid || !infos[1].TrustValid {
		t.Fatalf("expected two trusted signatures, got %+v", infos)
	}
	if source.reads != 1 {
		t.Errorf("policy read %d times, want once per call", source.reads)
	}
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want verify.Reason
	}{
		{nil, ""},
		{&xmldsig.ReferenceError{URI: "/etc/passwd", Err: container.ErrReferenceNotFound}, verify.ReasonReferenceNotFound},
		{fmt.Errorf("wrapped: %w", xmldsig.ErrDigestMismatch), verify.ReasonDigestMismatch},
		{xmldsig.ErrAmbiguousKeyInfo, verify.ReasonAmbiguousKeyInfo},
		{xades.ErrSignerCertificateMismatch, verify.ReasonSignerCertificateMismatch},
		{fmt.Errorf("signature timestamp: %w", xades.ErrMalformedTimestamp), verify.ReasonInvalidTimestamp},
		{&trust.CertificateError{Certificate: &x509.Certificate{}, Err: trust.ErrNoRevocationData}, verify.ReasonNoRevocationData},
		{&trust.CertificateError{Certificate: &x509.Certificate{}, Err: trust.ErrChainValidationFailed}, verify.ReasonChainValidationFailed},
		{fmt.Errorf("signature timestamp: %w", trust.ErrTimestampOutOfBounds), verify.ReasonTimestampOutOfBounds},
		{verify.ErrTimestampMissing, verify.ReasonTimestampMissing},
		{errors.New("something else"), verify.ReasonUnknown},
	}
	for _, tt := range tests {
		if got := verify.ReasonOf(tt.err); got != tt.want {
			t.Errorf("ReasonOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
