package testpki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"
)

// KeyProfile defines the cryptographic settings for the PKI.
type KeyProfile string

const (
	RSA_2048   KeyProfile = "RSA_2048"
	RSA_3072   KeyProfile = "RSA_3072"
	ECDSA_P256 KeyProfile = "ECDSA_P256"
	ECDSA_P384 KeyProfile = "ECDSA_P384"
)

var (
	oidExtKeyUsage  = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	oidTSAPolicy    = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55555, 1, 1}
)

type TestPKIConfig struct {
	Profile         KeyProfile
	IntermediateCAs int
	// Now is the instant the PKI is built around; zero means time.Now.
	Now time.Time
}

// TestPKI manages a PKI hierarchy with a timestamp authority for testing.
// Certificates are valid from one day before Now until one week after it.
type TestPKI struct {
	T                 *testing.T
	Now               time.Time
	Profile           KeyProfile
	RootKey           crypto.Signer
	RootCert          *x509.Certificate
	IntermediateKeys  []crypto.Signer
	IntermediateCerts []*x509.Certificate
	TSAKey            crypto.Signer
	TSACert           *x509.Certificate
	Server            *httptest.Server

	mu           sync.Mutex
	serial       int64
	revoked      map[string]time.Time
	leaves       map[string]*x509.Certificate
	OCSPRequests int
	CRLRequests  int
}

// NewTestPKI creates a root, one intermediate CA and a TSA.
func NewTestPKI(t *testing.T) *TestPKI {
	return NewTestPKIWithConfig(t, TestPKIConfig{
		Profile:         ECDSA_P256,
		IntermediateCAs: 1,
	})
}

// NewTestPKIWithConfig allows detailed configuration of the PKI.
func NewTestPKIWithConfig(t *testing.T, config TestPKIConfig) *TestPKI {
	now := config.Now
	if now.IsZero() {
		now = time.Now()
	}
	p := &TestPKI{
		T:       t,
		Now:     now.UTC().Truncate(time.Second),
		Profile: config.Profile,
		serial:  100,
		revoked: make(map[string]time.Time),
		leaves:  make(map[string]*x509.Certificate),
	}

	p.RootKey = GenerateKey(t, config.Profile)
	p.RootCert = p.issue(&x509.Certificate{
		Subject: pkix.Name{
			CommonName:   "DSS Test Root CA",
			Organization: []string{"DSS Test Org"},
		},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, p.RootKey, nil, nil)

	parentKey, parentCert := p.RootKey, p.RootCert
	for i := 0; i < config.IntermediateCAs; i++ {
		key := GenerateKey(t, config.Profile)
		cert := p.issue(&x509.Certificate{
			Subject: pkix.Name{
				CommonName:   fmt.Sprintf("DSS Test Intermediate CA %d", i+1),
				Organization: []string{"DSS Test Org"},
			},
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}, key, parentCert, parentKey)
		p.IntermediateKeys = append(p.IntermediateKeys, key)
		p.IntermediateCerts = append(p.IntermediateCerts, cert)
		parentKey, parentCert = key, cert
	}

	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidTimeStamping})
	if err != nil {
		Fail(t, "failed to encode TSA extended key usage: %v", err)
	}
	p.TSAKey = GenerateKey(t, config.Profile)
	p.TSACert = p.issue(&x509.Certificate{
		Subject: pkix.Name{
			CommonName:   "DSS Test TSA",
			Organization: []string{"DSS Test Org"},
		},
		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtKeyUsage, Critical: true, Value: ekuValue},
		},
	}, p.TSAKey, p.RootCert, p.RootKey)

	return p
}

func (p *TestPKI) nextSerial() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serial++
	return big.NewInt(p.serial)
}

// issue signs template with parentKey; a nil parent self-signs.
func (p *TestPKI) issue(template *x509.Certificate, key crypto.Signer, parent *x509.Certificate, parentKey crypto.Signer) *x509.Certificate {
	template.SerialNumber = p.nextSerial()
	if template.NotBefore.IsZero() {
		template.NotBefore = p.Now.Add(-24 * time.Hour)
	}
	if template.NotAfter.IsZero() {
		template.NotAfter = p.Now.Add(7 * 24 * time.Hour)
	}
	if parent == nil {
		parent, parentKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if err != nil {
		Fail(p.T, "failed to create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		Fail(p.T, "failed to parse certificate %q: %v", template.Subject.CommonName, err)
	}
	return cert
}

// IssueLeaf generates a signing certificate issued by the last intermediate
// CA, or by the root when there are none. When the server runs, the
// certificate names it as OCSP responder and CRL distribution point.
func (p *TestPKI) IssueLeaf(commonName string) (crypto.Signer, *x509.Certificate) {
	return p.IssueLeafWithTemplate(&x509.Certificate{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"DSS Test Org"},
		},
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	})
}

// IssueLeafWithTemplate issues a leaf certificate from a custom template.
// Serial number, validity and distribution points are filled in when unset.
func (p *TestPKI) IssueLeafWithTemplate(template *x509.Certificate) (crypto.Signer, *x509.Certificate) {
	issuerCert, issuerKey := p.RootCert, p.RootKey
	if n := len(p.IntermediateCerts); n > 0 {
		issuerCert, issuerKey = p.IntermediateCerts[n-1], p.IntermediateKeys[n-1]
	}
	if p.Server != nil {
		if len(template.OCSPServer) == 0 {
			template.OCSPServer = []string{p.Server.URL + "/ocsp"}
		}
		if len(template.CRLDistributionPoints) == 0 {
			template.CRLDistributionPoints = []string{fmt.Sprintf("%s/crl/%d", p.Server.URL, len(p.IntermediateCerts))}
		}
	}
	priv := GenerateKey(p.T, p.Profile)
	cert := p.issue(template, priv, issuerCert, issuerKey)
	p.Register(cert)
	return priv, cert
}

// IssueOCSPResponder issues a delegated OCSP signing certificate for the
// given CA certificate of the hierarchy.
func (p *TestPKI) IssueOCSPResponder(ca *x509.Certificate) (crypto.Signer, *x509.Certificate) {
	priv := GenerateKey(p.T, p.Profile)
	cert := p.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "DSS Test OCSP Responder"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	}, priv, ca, p.keyOf(ca))
	return priv, cert
}

// Chain returns the certificate chain above a leaf, nearest issuer first,
// ending with the root.
func (p *TestPKI) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i := len(p.IntermediateCerts) - 1; i >= 0; i-- {
		chain = append(chain, p.IntermediateCerts[i])
	}
	return append(chain, p.RootCert)
}

// Issuer returns the CA of the hierarchy that issued cert.
func (p *TestPKI) Issuer(cert *x509.Certificate) (*x509.Certificate, crypto.Signer) {
	cas := append([]*x509.Certificate{p.RootCert}, p.IntermediateCerts...)
	for _, ca := range cas {
		if bytes.Equal(cert.RawIssuer, ca.RawSubject) && cert.CheckSignatureFrom(ca) == nil {
			return ca, p.keyOf(ca)
		}
	}
	Fail(p.T, "no issuer for %q in the test PKI", cert.Subject.CommonName)
	return nil, nil
}

func (p *TestPKI) keyOf(ca *x509.Certificate) crypto.Signer {
	if ca.Equal(p.RootCert) {
		return p.RootKey
	}
	for i, c := range p.IntermediateCerts {
		if c.Equal(ca) {
			return p.IntermediateKeys[i]
		}
	}
	return nil
}

// Revoke marks cert as revoked at the given instant in OCSP responses and
// CRLs produced afterwards.
func (p *TestPKI) Revoke(cert *x509.Certificate, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[cert.SerialNumber.String()] = at
}

func (p *TestPKI) revokedAt(serial *big.Int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.revoked[serial.String()]
	return t, ok
}

// OCSPResponse returns a DER OCSP response for cert signed by its issuer.
func (p *TestPKI) OCSPResponse(cert *x509.Certificate, thisUpdate, nextUpdate time.Time) []byte {
	issuer, key := p.Issuer(cert)
	return p.OCSPResponseFrom(cert, issuer, issuer, key, thisUpdate, nextUpdate)
}

// OCSPResponseFrom returns a DER OCSP response for cert signed by responder.
func (p *TestPKI) OCSPResponseFrom(cert, issuer, responder *x509.Certificate, key crypto.Signer, thisUpdate, nextUpdate time.Time) []byte {
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   thisUpdate,
		NextUpdate:   nextUpdate,
	}
	if !responder.Equal(issuer) {
		template.Certificate = responder
	}
	if at, ok := p.revokedAt(cert.SerialNumber); ok {
		template.Status = ocsp.Revoked
		template.RevokedAt = at
		template.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(issuer, responder, template, key)
	if err != nil {
		Fail(p.T, "failed to create OCSP response: %v", err)
	}
	return der
}

// CRL returns a DER CRL issued by ca listing the revoked certificates.
func (p *TestPKI) CRL(ca *x509.Certificate, thisUpdate, nextUpdate time.Time) []byte {
	p.mu.Lock()
	var entries []x509.RevocationListEntry
	for serial, at := range p.revoked {
		n, _ := new(big.Int).SetString(serial, 10)
		entries = append(entries, x509.RevocationListEntry{SerialNumber: n, RevocationTime: at})
	}
	p.mu.Unlock()

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    p.nextSerial(),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, ca, p.keyOf(ca))
	if err != nil {
		Fail(p.T, "failed to create CRL: %v", err)
	}
	return der
}

// Timestamp returns a DER RFC 3161 token from the test TSA over the SHA-256
// digest of message, asserting the instant at.
func (p *TestPKI) Timestamp(message []byte, at time.Time) []byte {
	digest := crypto.SHA256.New()
	digest.Write(message)

	ts := timestamp.Timestamp{
		HashAlgorithm:     crypto.SHA256,
		HashedMessage:     digest.Sum(nil),
		Time:              at,
		Policy:            oidTSAPolicy,
		SerialNumber:      p.nextSerial(),
		AddTSACertificate: true,
	}
	resp, err := ts.CreateResponseWithOpts(p.TSACert, p.TSAKey, crypto.SHA256)
	if err != nil {
		Fail(p.T, "failed to create timestamp response: %v", err)
	}
	parsed, err := timestamp.ParseResponse(resp)
	if err != nil {
		Fail(p.T, "failed to parse timestamp response: %v", err)
	}
	return parsed.RawToken
}

// StartServer starts an HTTP server answering OCSP requests (POST /ocsp)
// and serving CRLs (GET /crl/<n>, 0 being the root).
func (p *TestPKI) StartServer() {
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ocsp" && r.Method == http.MethodPost:
			p.mu.Lock()
			p.OCSPRequests++
			p.mu.Unlock()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			req, err := ocsp.ParseRequest(body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			cert := p.bySerial(req.SerialNumber)
			if cert == nil {
				_, _ = w.Write(ocsp.UnauthorizedErrorResponse)
				return
			}
			w.Header().Set("Content-Type", "application/ocsp-response")
			_, _ = w.Write(p.OCSPResponse(cert, p.Now, p.Now.Add(24*time.Hour)))
		case strings.HasPrefix(r.URL.Path, "/crl/"):
			p.mu.Lock()
			p.CRLRequests++
			p.mu.Unlock()

			n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/crl/"))
			if err != nil || n < 0 || n > len(p.IntermediateCerts) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			ca := p.RootCert
			if n > 0 {
				ca = p.IntermediateCerts[n-1]
			}
			w.Header().Set("Content-Type", "application/pkix-crl")
			_, _ = w.Write(p.CRL(ca, p.Now, p.Now.Add(24*time.Hour)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// Register makes a certificate known to the OCSP responder.
func (p *TestPKI) Register(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves[cert.SerialNumber.String()] = cert
}

func (p *TestPKI) bySerial(serial *big.Int) *x509.Certificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.IntermediateCerts {
		if c.SerialNumber.Cmp(serial) == 0 {
			return c
		}
	}
	return p.leaves[serial.String()]
}

// Close stops the server.
func (p *TestPKI) Close() {
	if p.Server != nil {
		p.Server.Close()
	}
}

// PEM encodes a certificate.
func PEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func Fail(t *testing.T, format string, args ...interface{}) {
	if t != nil {
		t.Helper()
		t.Fatalf(format, args...)
	} else {
		log.Fatalf(format, args...)
	}
}

func GenerateKey(t *testing.T, profile KeyProfile) crypto.Signer {
	switch profile {
	case RSA_2048:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			Fail(t, "failed to generate RSA 2048 key: %v", err)
		}
		return k
	case RSA_3072:
		k, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			Fail(t, "failed to generate RSA 3072 key: %v", err)
		}
		return k
	case ECDSA_P256, "":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-256 key: %v", err)
		}
		return k
	case ECDSA_P384:
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-384 key: %v", err)
		}
		return k
	default:
		Fail(t, "unknown key profile: %s", profile)
		return nil
	}
}
