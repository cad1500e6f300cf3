package xades_test

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/container"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/internal/testpki"
	"github.com/digitorus/dss/xades"
	"github.com/digitorus/dss/xmldsig"
)

var entries = []testpki.Entry{{Name: "hello.txt", Data: []byte("hello")}}

// validated signs entries with opts and returns the verified signature.
func validated(t *testing.T, pki *testpki.TestPKI, opts testpki.SignatureOptions) (*etree.Element, *xmldsig.Result) {
	t.Helper()
	archive, err := container.Open(pki.SignedZIP(entries, opts))
	if err != nil {
		t.Fatalf("failed to open container: %v", err)
	}
	manifest, err := extract.FindManifest(archive)
	if err != nil {
		t.Fatalf("failed to find manifest: %v", err)
	}
	sig := manifest.Signatures()[0]
	res, err := xmldsig.Validate(sig.Element, manifest.Document, archive)
	if err != nil {
		t.Fatalf("signature does not validate: %v", err)
	}
	return sig.Element, res
}

func TestParseSignedProperties(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")
	signingTime := pki.Now.Add(-time.Hour)

	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:            key,
		Certificates:   []*x509.Certificate{cert},
		SigningTime:    signingTime,
		Role:           "Director",
		Policy:         "urn:oid:1.2.3.4",
		CommitmentType: "http://uri.etsi.org/01903/v1.2.2#ProofOfApproval",
		City:           "Amsterdam",
		CountryName:    "NL",
	})

	props, err := xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("failed to parse properties: %v", err)
	}
	if !props.Signed {
		t.Fatal("signed properties not recognised as covered")
	}
	if props.SigningTime == nil || !props.SigningTime.Equal(signingTime) {
		t.Errorf("signing time %v, want %v", props.SigningTime, signingTime)
	}
	if len(props.ClaimedRoles) != 1 || props.ClaimedRoles[0] != "Director" {
		t.Errorf("claimed roles %v", props.ClaimedRoles)
	}
	if props.PolicyIdentifier != "urn:oid:1.2.3.4" || props.PolicyImplied {
		t.Errorf("policy %q implied=%v", props.PolicyIdentifier, props.PolicyImplied)
	}
	if len(props.CommitmentTypes) != 1 || props.CommitmentTypes[0] != "http://uri.etsi.org/01903/v1.2.2#ProofOfApproval" {
		t.Errorf("commitment types %v", props.CommitmentTypes)
	}
	if props.ProductionPlace == nil || props.ProductionPlace.String() != "Amsterdam, NL" {
		t.Errorf("production place %v", props.ProductionPlace)
	}
	if len(props.SignatureTimestamps) != 0 || props.Evidence.Len() != 0 {
		t.Errorf("unexpected unsigned properties")
	}
}

func TestParseUncoveredProperties(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")
	_, other := pki.IssueLeaf("Other")

	// Signed properties that no verified reference covers are ignored,
	// including a signing certificate that would not match.
	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:                key,
		Certificates:       []*x509.Certificate{cert},
		SigningTime:        pki.Now,
		SigningCertificate: other,
	})
	props, err := xades.Parse(sig, res.Signer(), func(*etree.Element) bool { return false })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if props.Signed || props.SigningTime != nil {
		t.Errorf("uncovered signed properties were used")
	}
}

func TestParseSignerCertificateMismatch(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")
	_, other := pki.IssueLeaf("Other")

	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:                key,
		Certificates:       []*x509.Certificate{cert},
		SigningCertificate: other,
	})
	if _, err := xades.Parse(sig, res.Signer(), res.Covers); !errors.Is(err, xades.ErrSignerCertificateMismatch) {
		t.Fatalf("expected ErrSignerCertificateMismatch, got %v", err)
	}
}

func TestParseWithoutQualifyingProperties(t *testing.T) {
	doc := etree.NewDocument()
	err := doc.ReadFromString(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#" Id="plain">
		<ds:SignedInfo/><ds:SignatureValue/>
		<ds:Object><Other/></ds:Object>
	</ds:Signature>`)
	if err != nil {
		t.Fatal(err)
	}
	props, err := xades.Parse(doc.Root(), nil, func(*etree.Element) bool { return true })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if props.Signed || props.SigningTime != nil || props.ProductionPlace != nil {
		t.Errorf("expected empty properties, got %+v", props)
	}
}

func TestParseSignatureTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")

	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:          key,
		Certificates: []*x509.Certificate{cert},
		TimestampAt:  pki.Now,
	})
	props, err := xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("failed to parse properties: %v", err)
	}
	if len(props.SignatureTimestamps) != 1 || props.SignatureTimestamps[0].Err != nil {
		t.Fatalf("expected one valid signature timestamp, got %+v", props.SignatureTimestamps)
	}

	// A timestamp over a different signature value must be rejected.
	sigValue := sig.FindElement("ds:SignatureValue")
	raw, err := base64.StdEncoding.DecodeString(sigValue.Text())
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	sigValue.SetText(base64.StdEncoding.EncodeToString(raw))
	props, err = xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("unsigned properties must not fail parsing: %v", err)
	}
	if len(props.SignatureTimestamps) != 1 || !errors.Is(props.SignatureTimestamps[0].Err, xades.ErrTimestampImprintMismatch) {
		t.Fatalf("expected ErrTimestampImprintMismatch, got %+v", props.SignatureTimestamps)
	}

	// An unreadable token is kept with its error.
	sig.FindElement(".//xades:EncapsulatedTimeStamp").SetText(base64.StdEncoding.EncodeToString([]byte("not a token")))
	props, err = xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("unsigned properties must not fail parsing: %v", err)
	}
	if len(props.SignatureTimestamps) != 1 || !errors.Is(props.SignatureTimestamps[0].Err, xades.ErrMalformedTimestamp) {
		t.Fatalf("expected ErrMalformedTimestamp, got %+v", props.SignatureTimestamps)
	}
}

func TestParseMalformedValidationData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")
	intermediate := pki.IntermediateCerts[0]

	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:               key,
		Certificates:      []*x509.Certificate{cert},
		CertificateValues: []*x509.Certificate{pki.RootCert, intermediate},
		OCSP: [][]byte{
			pki.OCSPResponse(cert, pki.Now, pki.Now.Add(time.Hour)),
			pki.OCSPResponse(intermediate, pki.Now, pki.Now.Add(time.Hour)),
		},
	})
	// The first value of each kind is unreadable.
	sig.FindElement(".//xades:EncapsulatedX509Certificate").SetText(base64.StdEncoding.EncodeToString([]byte("not a certificate")))
	sig.FindElement(".//xades:EncapsulatedOCSPValue").SetText("%%%%")

	props, err := xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("unsigned properties must not fail parsing: %v", err)
	}
	if len(props.Certificates) != 1 || !props.Certificates[0].Equal(intermediate) {
		t.Errorf("expected the remaining certificate value, got %d", len(props.Certificates))
	}
	if len(props.Evidence.OCSP) != 1 {
		t.Errorf("expected the remaining OCSP value, got %d", len(props.Evidence.OCSP))
	}
}

func TestParseValidationData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")
	intermediate := pki.IntermediateCerts[0]

	ocspResp := pki.OCSPResponse(cert, pki.Now, pki.Now.Add(time.Hour))
	crl := pki.CRL(intermediate, pki.Now, pki.Now.Add(time.Hour))
	sig, res := validated(t, pki, testpki.SignatureOptions{
		Key:               key,
		Certificates:      []*x509.Certificate{cert},
		CertificateValues: []*x509.Certificate{intermediate},
		OCSP:              [][]byte{ocspResp, ocspResp},
		CRL:               [][]byte{crl},
	})
	props, err := xades.Parse(sig, res.Signer(), res.Covers)
	if err != nil {
		t.Fatalf("failed to parse properties: %v", err)
	}
	if len(props.Certificates) != 1 || !props.Certificates[0].Equal(intermediate) {
		t.Errorf("certificate values not parsed")
	}
	if len(props.Evidence.OCSP) != 1 {
		t.Errorf("expected one distinct OCSP response, got %d", len(props.Evidence.OCSP))
	}
	if len(props.Evidence.CRL) != 1 {
		t.Errorf("expected one CRL, got %d", len(props.Evidence.CRL))
	}
}
