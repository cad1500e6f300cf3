package testpki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/xades"
	"github.com/digitorus/dss/xmldsig"
	"github.com/klauspost/compress/zip"
)

// ManifestName is the entry the signed containers keep their signatures in.
const ManifestName = "META-INF/documentsignatures.xml"

const namespaceODFSignatures = "urn:oasis:names:tc:opendocument:xmlns:digitalsignature:1.0"

// Entry is a named resource of a test container.
type Entry struct {
	Name string
	Data []byte
}

// ZIP builds an archive holding entries in order.
func (p *TestPKI) ZIP(entries ...Entry) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.Name)
		if err != nil {
			Fail(p.T, "failed to create zip entry %s: %v", e.Name, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			Fail(p.T, "failed to write zip entry %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		Fail(p.T, "failed to close zip: %v", err)
	}
	return buf.Bytes()
}

// SignatureOptions describes one XAdES signature of a test container.
type SignatureOptions struct {
	Key crypto.Signer
	// Certificates go into ds:KeyInfo, signer first.
	Certificates []*x509.Certificate

	// References lists the entries covered; nil covers every entry.
	References []string
	// SigningTime is claimed when set.
	SigningTime time.Time

	Role           string
	Policy         string
	CommitmentType string
	City           string
	CountryName    string

	// SigningCertificate is referenced by the signed properties; it defaults
	// to the signer.
	SigningCertificate *x509.Certificate

	// TimestampAt adds a signature timestamp asserting this instant when set.
	TimestampAt time.Time
	// CertificateValues and the revocation values are embedded as unsigned
	// validation data.
	CertificateValues []*x509.Certificate
	OCSP              [][]byte
	CRL               [][]byte

	// Corrupt flips a bit of the signature value after signing.
	Corrupt bool
}

// SignedZIP builds a container with entries and a signature manifest holding
// one XAdES signature per options value, in order.
func (p *TestPKI) SignedZIP(entries []Entry, signatures ...SignatureOptions) []byte {
	all := append([]Entry{}, entries...)
	return p.ZIP(append(all, Entry{Name: ManifestName, Data: p.Manifest(entries, signatures...)})...)
}

// Manifest returns a signature manifest over entries.
func (p *TestPKI) Manifest(entries []Entry, signatures ...SignatureOptions) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("document-signatures")
	root.CreateAttr("xmlns", namespaceODFSignatures)
	data := p.serialize(doc)

	for i, opts := range signatures {
		id := fmt.Sprintf("sig-%d", i+1)
		doc = p.parse(data)
		p.buildSignature(doc.Root(), id, entries, opts)

		doc = p.parse(p.serialize(doc))
		p.sign(doc, id, opts)

		if !opts.TimestampAt.IsZero() || len(opts.CertificateValues) > 0 || len(opts.OCSP) > 0 || len(opts.CRL) > 0 {
			doc = p.parse(p.serialize(doc))
			p.addUnsignedProperties(doc, id, opts)
		}
		if opts.Corrupt {
			sigValue := find(doc.Root(), func(el *etree.Element) bool { return extract.IsDSig(el, "SignatureValue") && el.Parent().SelectAttrValue("Id", "") == id })
			raw, _ := base64.StdEncoding.DecodeString(sigValue.Text())
			raw[len(raw)/2] ^= 0x01
			sigValue.SetText(base64.StdEncoding.EncodeToString(raw))
		}
		data = p.serialize(doc)
	}
	return data
}

func (p *TestPKI) buildSignature(root *etree.Element, id string, entries []Entry, opts SignatureOptions) {
	refs := opts.References
	if refs == nil {
		for _, e := range entries {
			refs = append(refs, e.Name)
		}
	}

	sig := root.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", extract.NamespaceDSig)
	sig.CreateAttr("Id", id)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", xmldsig.ExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", signatureMethod(opts.Key))
	for _, name := range refs {
		var content []byte
		for _, e := range entries {
			if e.Name == name {
				content = e.Data
			}
		}
		digest := sha256.Sum256(content)
		ref := signedInfo.CreateElement("ds:Reference")
		ref.CreateAttr("URI", name)
		ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", xmldsig.DigestSHA256)
		ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest[:]))
	}
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id+"-signedprops")
	ref.CreateAttr("Type", xades.SignedPropertiesType)
	ref.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", xmldsig.ExcC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", xmldsig.DigestSHA256)
	ref.CreateElement("ds:DigestValue")

	sig.CreateElement("ds:SignatureValue")

	x509Data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	for _, c := range opts.Certificates {
		x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(c.Raw))
	}

	qp := sig.CreateElement("ds:Object").CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", xades.Namespace)
	qp.CreateAttr("Target", "#"+id)
	sp := qp.CreateElement("xades:SignedProperties")
	sp.CreateAttr("Id", id+"-signedprops")
	ssp := sp.CreateElement("xades:SignedSignatureProperties")
	if !opts.SigningTime.IsZero() {
		ssp.CreateElement("xades:SigningTime").SetText(opts.SigningTime.UTC().Format(time.RFC3339))
	}

	signingCert := opts.SigningCertificate
	if signingCert == nil && len(opts.Certificates) > 0 {
		signingCert = opts.Certificates[0]
	}
	if signingCert != nil {
		digest := sha256.Sum256(signingCert.Raw)
		cert := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
		certDigest := cert.CreateElement("xades:CertDigest")
		certDigest.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", xmldsig.DigestSHA256)
		certDigest.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest[:]))
		issuerSerial := cert.CreateElement("xades:IssuerSerial")
		issuerSerial.CreateElement("ds:X509IssuerName").SetText(signingCert.Issuer.String())
		issuerSerial.CreateElement("ds:X509SerialNumber").SetText(signingCert.SerialNumber.String())
	}
	if opts.Policy != "" {
		ssp.CreateElement("xades:SignaturePolicyIdentifier").
			CreateElement("xades:SignaturePolicyId").
			CreateElement("xades:SigPolicyId").
			CreateElement("xades:Identifier").SetText(opts.Policy)
	}
	if opts.City != "" || opts.CountryName != "" {
		place := ssp.CreateElement("xades:SignatureProductionPlace")
		if opts.City != "" {
			place.CreateElement("xades:City").SetText(opts.City)
		}
		if opts.CountryName != "" {
			place.CreateElement("xades:CountryName").SetText(opts.CountryName)
		}
	}
	if opts.Role != "" {
		ssp.CreateElement("xades:SignerRole").
			CreateElement("xades:ClaimedRoles").
			CreateElement("xades:ClaimedRole").SetText(opts.Role)
	}
	if opts.CommitmentType != "" {
		cti := sp.CreateElement("xades:SignedDataObjectProperties").CreateElement("xades:CommitmentTypeIndication")
		cti.CreateElement("xades:CommitmentTypeId").CreateElement("xades:Identifier").SetText(opts.CommitmentType)
		cti.CreateElement("xades:AllSignedDataObjects")
	}
}

// sign fills in the signed properties digest and the signature value.
func (p *TestPKI) sign(doc *etree.Document, id string, opts SignatureOptions) {
	sig := find(doc.Root(), func(el *etree.Element) bool {
		return extract.IsDSig(el, "Signature") && el.SelectAttrValue("Id", "") == id
	})
	sp := find(sig, func(el *etree.Element) bool { return el.SelectAttrValue("Id", "") == id+"-signedprops" })
	canonical, err := xmldsig.Canonicalize(sp, xmldsig.ExcC14N, "")
	if err != nil {
		Fail(p.T, "failed to canonicalize signed properties: %v", err)
	}
	digest := sha256.Sum256(canonical)
	spRef := find(sig, func(el *etree.Element) bool {
		return extract.IsDSig(el, "Reference") && el.SelectAttrValue("URI", "") == "#"+id+"-signedprops"
	})
	find(spRef, func(el *etree.Element) bool { return extract.IsDSig(el, "DigestValue") }).
		SetText(base64.StdEncoding.EncodeToString(digest[:]))

	signedInfo := find(sig, func(el *etree.Element) bool { return extract.IsDSig(el, "SignedInfo") })
	canonical, err = xmldsig.Canonicalize(signedInfo, xmldsig.ExcC14N, "")
	if err != nil {
		Fail(p.T, "failed to canonicalize signed info: %v", err)
	}
	find(sig, func(el *etree.Element) bool { return extract.IsDSig(el, "SignatureValue") }).
		SetText(base64.StdEncoding.EncodeToString(p.signatureValue(opts.Key, canonical)))
}

// Resign recomputes the signature value of sig with key after its
// ds:SignedInfo was edited.
func (p *TestPKI) Resign(sig *etree.Element, key crypto.Signer) {
	signedInfo := find(sig, func(el *etree.Element) bool { return extract.IsDSig(el, "SignedInfo") })
	canonical, err := xmldsig.Canonicalize(signedInfo, xmldsig.ExcC14N, "")
	if err != nil {
		Fail(p.T, "failed to canonicalize signed info: %v", err)
	}
	find(sig, func(el *etree.Element) bool { return extract.IsDSig(el, "SignatureValue") }).
		SetText(base64.StdEncoding.EncodeToString(p.signatureValue(key, canonical)))
}

func (p *TestPKI) addUnsignedProperties(doc *etree.Document, id string, opts SignatureOptions) {
	sig := find(doc.Root(), func(el *etree.Element) bool {
		return extract.IsDSig(el, "Signature") && el.SelectAttrValue("Id", "") == id
	})
	qp := find(sig, func(el *etree.Element) bool { return el.Tag == "QualifyingProperties" })
	usp := qp.CreateElement("xades:UnsignedProperties").CreateElement("xades:UnsignedSignatureProperties")

	if !opts.TimestampAt.IsZero() {
		sigValue := find(sig, func(el *etree.Element) bool { return extract.IsDSig(el, "SignatureValue") })
		canonical, err := xmldsig.Canonicalize(sigValue, xmldsig.ExcC14N, "")
		if err != nil {
			Fail(p.T, "failed to canonicalize signature value: %v", err)
		}
		sts := usp.CreateElement("xades:SignatureTimeStamp")
		sts.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", xmldsig.ExcC14N)
		sts.CreateElement("xades:EncapsulatedTimeStamp").
			SetText(base64.StdEncoding.EncodeToString(p.Timestamp(canonical, opts.TimestampAt)))
	}
	if len(opts.CertificateValues) > 0 {
		cv := usp.CreateElement("xades:CertificateValues")
		for _, c := range opts.CertificateValues {
			cv.CreateElement("xades:EncapsulatedX509Certificate").SetText(base64.StdEncoding.EncodeToString(c.Raw))
		}
	}
	if len(opts.OCSP) > 0 || len(opts.CRL) > 0 {
		rv := usp.CreateElement("xades:RevocationValues")
		if len(opts.CRL) > 0 {
			crls := rv.CreateElement("xades:CRLValues")
			for _, der := range opts.CRL {
				crls.CreateElement("xades:EncapsulatedCRLValue").SetText(base64.StdEncoding.EncodeToString(der))
			}
		}
		if len(opts.OCSP) > 0 {
			ocsps := rv.CreateElement("xades:OCSPValues")
			for _, der := range opts.OCSP {
				ocsps.CreateElement("xades:EncapsulatedOCSPValue").SetText(base64.StdEncoding.EncodeToString(der))
			}
		}
	}
}

func signatureMethod(key crypto.Signer) string {
	if _, ok := key.Public().(*rsa.PublicKey); ok {
		return xmldsig.RSASHA256
	}
	return xmldsig.ECDSASHA256
}

// signatureValue signs the SHA-256 digest of data. ECDSA signatures are
// encoded as the concatenation of r and s.
func (p *TestPKI) signatureValue(key crypto.Signer, data []byte) []byte {
	digest := sha256.Sum256(data)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		Fail(p.T, "failed to sign: %v", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return sig
	}
	var rs struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig, &rs); err != nil {
		Fail(p.T, "failed to decode ECDSA signature: %v", err)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	rs.R.FillBytes(out[:size])
	rs.S.FillBytes(out[size:])
	return out
}

func (p *TestPKI) serialize(doc *etree.Document) []byte {
	data, err := doc.WriteToBytes()
	if err != nil {
		Fail(p.T, "failed to serialize manifest: %v", err)
	}
	return data
}

func (p *TestPKI) parse(data []byte) *etree.Document {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		Fail(p.T, "failed to parse manifest: %v", err)
	}
	return doc
}

// find returns the first element below el, in document order, matching.
func find(el *etree.Element, match func(*etree.Element) bool) *etree.Element {
	for _, c := range el.ChildElements() {
		if match(c) {
			return c
		}
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}
