// Package xades extracts the XAdES qualifying properties bound to an XML
// signature.
package xades

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/revocation"
	"github.com/digitorus/dss/xmldsig"
	"github.com/digitorus/timestamp"
	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("dss/xades")

// XAdES namespaces.
const (
	Namespace    = "http://uri.etsi.org/01903/v1.3.2#"
	Namespace141 = "http://uri.etsi.org/01903/v1.4.1#"

	// SignedPropertiesType is the ds:Reference Type of a reference to the
	// signed properties.
	SignedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"
)

var (
	ErrSignerCertificateMismatch = errors.New("signing certificate property does not match signer")
	ErrTimestampImprintMismatch  = errors.New("signature timestamp does not cover the signature value")
	ErrMalformedProperties       = errors.New("malformed qualifying properties")
	ErrMalformedTimestamp        = errors.New("malformed signature timestamp")
)

// SignatureTimestamp is one xades:SignatureTimeStamp. Err is set when the
// token cannot be read or does not cover the signature value.
type SignatureTimestamp struct {
	Token []byte
	Err   error
}

// ProductionPlace is the claimed location of signing.
type ProductionPlace struct {
	StreetAddress   string `json:"street_address,omitempty"`
	City            string `json:"city,omitempty"`
	StateOrProvince string `json:"state_or_province,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
	CountryName     string `json:"country_name,omitempty"`
}

func (p *ProductionPlace) String() string {
	var parts []string
	for _, s := range []string{p.StreetAddress, p.PostalCode, p.City, p.StateOrProvince, p.CountryName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Properties holds the qualifying properties of one signature. Signed fields
// are only filled when the signed properties are covered by the signature.
type Properties struct {
	// Signed reports whether covered signed properties were found.
	Signed bool

	SigningTime      *time.Time
	PolicyIdentifier string
	PolicyImplied    bool
	CommitmentTypes  []string
	ClaimedRoles     []string
	ProductionPlace  *ProductionPlace

	// SignatureTimestamps holds every signature timestamp in document order,
	// including the ones that failed the imprint check.
	SignatureTimestamps []SignatureTimestamp
	// Certificates and Evidence come from the unsigned validation data.
	// Values that cannot be decoded are skipped.
	Certificates []*x509.Certificate
	Evidence     revocation.Evidence
}

// Parse reads the qualifying properties of sig. signer is the certificate
// that verified the signature and covered reports whether an element is
// protected by a verified reference.
//
// A signature without qualifying properties yields empty Properties. Errors
// only come from the signed properties; unsigned properties are not
// protected by the signature and a bad one is dropped instead.
func Parse(sig *etree.Element, signer *x509.Certificate, covered func(*etree.Element) bool) (*Properties, error) {
	props := &Properties{}
	qp := qualifyingProperties(sig)
	if qp == nil {
		return props, nil
	}

	if sp := xadesChild(qp, "SignedProperties"); sp != nil && covered(sp) {
		props.Signed = true
		if err := props.parseSigned(sp, signer); err != nil {
			return nil, err
		}
	}
	if up := xadesChild(qp, "UnsignedProperties"); up != nil {
		props.parseUnsigned(sig, up)
	}
	return props, nil
}

func qualifyingProperties(sig *etree.Element) *etree.Element {
	id := sig.SelectAttrValue("Id", "")
	for _, obj := range sig.ChildElements() {
		if !extract.IsDSig(obj, "Object") {
			continue
		}
		for _, qp := range obj.ChildElements() {
			if !isXAdES(qp, "QualifyingProperties") {
				continue
			}
			if target := qp.SelectAttrValue("Target", ""); id == "" || target == "#"+id {
				return qp
			}
		}
	}
	return nil
}

func (p *Properties) parseSigned(sp *etree.Element, signer *x509.Certificate) error {
	if ssp := xadesChild(sp, "SignedSignatureProperties"); ssp != nil {
		if el := xadesChild(ssp, "SigningTime"); el != nil {
			t, err := parseDateTime(el.Text())
			if err != nil {
				return fmt.Errorf("%w: SigningTime: %v", ErrMalformedProperties, err)
			}
			p.SigningTime = &t
		}

		if el := xadesChild(ssp, "SigningCertificateV2"); el != nil {
			if err := checkSigningCertificate(el, signer, false); err != nil {
				return err
			}
		} else if el := xadesChild(ssp, "SigningCertificate"); el != nil {
			if err := checkSigningCertificate(el, signer, true); err != nil {
				return err
			}
		}

		if el := xadesChild(ssp, "SignaturePolicyIdentifier"); el != nil {
			if xadesChild(el, "SignaturePolicyImplied") != nil {
				p.PolicyImplied = true
			} else if id := xadesPath(el, "SignaturePolicyId", "SigPolicyId", "Identifier"); id != nil {
				p.PolicyIdentifier = strings.TrimSpace(id.Text())
			}
		}

		for _, tag := range []string{"SignerRoleV2", "SignerRole"} {
			if roles := xadesPath(ssp, tag, "ClaimedRoles"); roles != nil {
				for _, r := range roles.ChildElements() {
					if isXAdES(r, "ClaimedRole") {
						p.ClaimedRoles = append(p.ClaimedRoles, strings.TrimSpace(r.Text()))
					}
				}
				break
			}
		}

		for _, tag := range []string{"SignatureProductionPlaceV2", "SignatureProductionPlace"} {
			if el := xadesChild(ssp, tag); el != nil {
				p.ProductionPlace = &ProductionPlace{
					StreetAddress:   text(xadesChild(el, "StreetAddress")),
					City:            text(xadesChild(el, "City")),
					StateOrProvince: text(xadesChild(el, "StateOrProvince")),
					PostalCode:      text(xadesChild(el, "PostalCode")),
					CountryName:     text(xadesChild(el, "CountryName")),
				}
				break
			}
		}
	}

	if sdop := xadesChild(sp, "SignedDataObjectProperties"); sdop != nil {
		for _, cti := range sdop.ChildElements() {
			if !isXAdES(cti, "CommitmentTypeIndication") {
				continue
			}
			if id := xadesPath(cti, "CommitmentTypeId", "Identifier"); id != nil {
				p.CommitmentTypes = append(p.CommitmentTypes, strings.TrimSpace(id.Text()))
			}
		}
	}
	return nil
}

// checkSigningCertificate requires one of the listed certificates to be the
// signer. Version 1 entries may also carry the issuer serial number.
func checkSigningCertificate(el *etree.Element, signer *x509.Certificate, v1 bool) error {
	var entries int
	for _, cert := range el.ChildElements() {
		if !isXAdES(cert, "Cert") {
			continue
		}
		entries++
		certDigest := xadesChild(cert, "CertDigest")
		if certDigest == nil {
			return fmt.Errorf("%w: Cert without CertDigest", ErrMalformedProperties)
		}
		method := dsChild(certDigest, "DigestMethod")
		value := dsChild(certDigest, "DigestValue")
		if method == nil || value == nil {
			return fmt.Errorf("%w: incomplete CertDigest", ErrMalformedProperties)
		}
		hash, ok := xmldsig.DigestAlgorithm(method.SelectAttrValue("Algorithm", ""))
		if !ok {
			return fmt.Errorf("%w: CertDigest method %s", xmldsig.ErrUnsupportedAlgorithm, method.SelectAttrValue("Algorithm", ""))
		}
		expected, err := decodeBase64(value.Text())
		if err != nil {
			return fmt.Errorf("%w: CertDigest: %v", ErrMalformedProperties, err)
		}
		h := hash.New()
		h.Write(signer.Raw)
		if !bytes.Equal(h.Sum(nil), expected) {
			continue
		}
		if v1 {
			if serial := xadesPath(cert, "IssuerSerial"); serial != nil {
				if sn := dsChild(serial, "X509SerialNumber"); sn != nil {
					n, ok := new(big.Int).SetString(strings.TrimSpace(sn.Text()), 10)
					if !ok || n.Cmp(signer.SerialNumber) != 0 {
						return fmt.Errorf("%w: issuer serial number", ErrSignerCertificateMismatch)
					}
				}
			}
		}
		return nil
	}
	if entries == 0 {
		return fmt.Errorf("%w: empty %s", ErrMalformedProperties, el.Tag)
	}
	return ErrSignerCertificateMismatch
}

func (p *Properties) parseUnsigned(sig, up *etree.Element) {
	usp := xadesChild(up, "UnsignedSignatureProperties")
	if usp == nil {
		return
	}
	for _, el := range usp.ChildElements() {
		switch {
		case isXAdES(el, "SignatureTimeStamp"):
			token, err := signatureTimestamp(sig, el)
			if err != nil {
				logger.Debugf("signature timestamp rejected: %v", err)
			}
			p.SignatureTimestamps = append(p.SignatureTimestamps, SignatureTimestamp{Token: token, Err: err})
		case isXAdES(el, "CertificateValues"):
			p.certificateValues(el)
		case isXAdES(el, "RevocationValues"):
			p.revocationValues(el)
		case el.Tag == "TimeStampValidationData" && el.NamespaceURI() == Namespace141:
			for _, c := range el.ChildElements() {
				switch {
				case isXAdES(c, "CertificateValues"):
					p.certificateValues(c)
				case isXAdES(c, "RevocationValues"):
					p.revocationValues(c)
				}
			}
		}
	}
}

// signatureTimestamp returns the token of a SignatureTimeStamp after checking
// that its imprint is the digest of the canonicalized ds:SignatureValue.
func signatureTimestamp(sig, el *etree.Element) ([]byte, error) {
	encapsulated := xadesChild(el, "EncapsulatedTimeStamp")
	if encapsulated == nil {
		return nil, fmt.Errorf("%w: no EncapsulatedTimeStamp", ErrMalformedTimestamp)
	}
	token, err := decodeBase64(encapsulated.Text())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	ts, err := timestamp.Parse(token)
	if err != nil {
		return token, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}

	algorithm, prefixList := xmldsig.C14N10, ""
	if cm := dsChild(el, "CanonicalizationMethod"); cm != nil {
		algorithm = cm.SelectAttrValue("Algorithm", "")
		for _, c := range cm.ChildElements() {
			if c.Tag == xmldsig.InclusiveNamespaces {
				prefixList = c.SelectAttrValue("PrefixList", "")
			}
		}
	}
	sigValue := dsChild(sig, "SignatureValue")
	if sigValue == nil {
		return token, fmt.Errorf("%w: no ds:SignatureValue", ErrMalformedTimestamp)
	}
	canonical, err := xmldsig.Canonicalize(sigValue, algorithm, prefixList)
	if err != nil {
		return token, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	if !ts.HashAlgorithm.Available() {
		return token, fmt.Errorf("%w: imprint hash %v unavailable", ErrMalformedTimestamp, ts.HashAlgorithm)
	}
	h := ts.HashAlgorithm.New()
	h.Write(canonical)
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		return token, ErrTimestampImprintMismatch
	}
	return token, nil
}

func (p *Properties) certificateValues(el *etree.Element) {
	for _, c := range el.ChildElements() {
		if !isXAdES(c, "EncapsulatedX509Certificate") {
			continue
		}
		der, err := decodeBase64(c.Text())
		if err != nil {
			logger.Warnf("skipping EncapsulatedX509Certificate: %v", err)
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logger.Warnf("skipping EncapsulatedX509Certificate: %v", err)
			continue
		}
		p.Certificates = append(p.Certificates, cert)
	}
}

func (p *Properties) revocationValues(el *etree.Element) {
	for _, group := range el.ChildElements() {
		var tag string
		var add func([]byte)
		switch {
		case isXAdES(group, "OCSPValues"):
			tag, add = "EncapsulatedOCSPValue", p.Evidence.AddOCSP
		case isXAdES(group, "CRLValues"):
			tag, add = "EncapsulatedCRLValue", p.Evidence.AddCRL
		default:
			continue
		}
		for _, v := range group.ChildElements() {
			if !isXAdES(v, tag) {
				continue
			}
			der, err := decodeBase64(v.Text())
			if err != nil {
				logger.Warnf("skipping %s: %v", tag, err)
				continue
			}
			add(der)
		}
	}
}

func isXAdES(el *etree.Element, tag string) bool {
	if el == nil || el.Tag != tag {
		return false
	}
	ns := el.NamespaceURI()
	return ns == Namespace || ns == Namespace141
}

func xadesChild(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if isXAdES(c, tag) {
			return c
		}
	}
	return nil
}

func xadesPath(el *etree.Element, tags ...string) *etree.Element {
	for _, tag := range tags {
		if el = xadesChild(el, tag); el == nil {
			return nil
		}
	}
	return el
}

func dsChild(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if extract.IsDSig(c, tag) {
			return c
		}
	}
	return nil
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
}

// parseDateTime parses an xsd:dateTime. Values without a zone are UTC.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid dateTime %q", s)
}
