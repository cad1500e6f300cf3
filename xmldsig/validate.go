// Package xmldsig validates XML signatures embedded in a container document:
// it selects the signing key, checks every reference digest and verifies the
// signature value over the canonicalized ds:SignedInfo.
package xmldsig

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"
)

// Dereferencer resolves references that point outside the signature
// manifest.
type Dereferencer interface {
	Dereference(uri string) ([]byte, error)
}

// Reference is a ds:Reference whose digest was verified.
type Reference struct {
	URI  string
	Type string
	// Element is the referenced element for same-document references.
	Element *etree.Element
	Digest  crypto.Hash
}

// Result is the outcome of a successful validation.
type Result struct {
	// Certificates holds the signer certificate first, followed by the other
	// certificates of the KeyInfo.
	Certificates    []*x509.Certificate
	References      []*Reference
	SignatureMethod string
}

// Signer returns the certificate whose key verified the signature.
func (r *Result) Signer() *x509.Certificate {
	return r.Certificates[0]
}

// Covers reports whether el is the target of a verified same-document
// reference.
func (r *Result) Covers(el *etree.Element) bool {
	for _, ref := range r.References {
		if ref.Element != nil && ref.Element == el {
			return true
		}
	}
	return false
}

// Validate checks the ds:Signature element sig located in doc. References
// that do not point into doc are resolved through deref.
func Validate(sig *etree.Element, doc *etree.Document, deref Dereferencer) (*Result, error) {
	signedInfo := child(sig, "SignedInfo")
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: no ds:SignedInfo", ErrMalformedSignature)
	}
	sigValueEl := child(sig, "SignatureValue")
	if sigValueEl == nil {
		return nil, fmt.Errorf("%w: no ds:SignatureValue", ErrMalformedSignature)
	}
	sigValue, err := decodeBase64(sigValueEl.Text())
	if err != nil {
		return nil, fmt.Errorf("%w: SignatureValue: %v", ErrMalformedSignature, err)
	}

	certs, err := KeySelector{}.Select(sig)
	if err != nil {
		return nil, err
	}

	c14nAlg, prefixList, err := canonicalizationMethod(child(signedInfo, "CanonicalizationMethod"))
	if err != nil {
		return nil, err
	}
	methodEl := child(signedInfo, "SignatureMethod")
	if methodEl == nil {
		return nil, fmt.Errorf("%w: no ds:SignatureMethod", ErrMalformedSignature)
	}
	method := methodEl.SelectAttrValue("Algorithm", "")

	canonical, err := Canonicalize(signedInfo, c14nAlg, prefixList)
	if err != nil {
		return nil, err
	}
	if err := verifySignatureValue(certs[0], method, canonical, sigValue); err != nil {
		return nil, err
	}

	v := &validation{sig: sig, doc: doc, deref: deref}
	refs := children(signedInfo, "Reference")
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no ds:Reference", ErrMalformedSignature)
	}
	result := &Result{Certificates: certs, SignatureMethod: method}
	for _, refEl := range refs {
		ref, err := v.reference(refEl)
		if err != nil {
			return nil, err
		}
		result.References = append(result.References, ref)
	}
	return result, nil
}

func canonicalizationMethod(el *etree.Element) (string, string, error) {
	if el == nil {
		return "", "", fmt.Errorf("%w: no ds:CanonicalizationMethod", ErrMalformedSignature)
	}
	alg := el.SelectAttrValue("Algorithm", "")
	if !isCanonicalization(alg) {
		return "", "", fmt.Errorf("%w: canonicalization %s", ErrUnsupportedAlgorithm, alg)
	}
	return alg, prefixListOf(el), nil
}

// prefixListOf returns the PrefixList of an InclusiveNamespaces child.
func prefixListOf(el *etree.Element) string {
	for _, c := range el.ChildElements() {
		if c.Tag == InclusiveNamespaces && c.NamespaceURI() == NamespaceExcC14N {
			return c.SelectAttrValue(inclusivePrefixList, "")
		}
	}
	return ""
}

func verifySignatureValue(cert *x509.Certificate, method string, signed, sigValue []byte) error {
	alg, ok := signatureAlgorithms[method]
	if !ok {
		return fmt.Errorf("%w: signature method %s", ErrUnsupportedAlgorithm, method)
	}
	h := alg.hash.New()
	h.Write(signed)
	digest := h.Sum(nil)

	switch alg.key {
	case keyRSA:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s requires an RSA key", ErrInvalidSignature, method)
		}
		if err := rsa.VerifyPKCS1v15(pub, alg.hash, digest, sigValue); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case keyECDSA:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s requires an ECDSA key", ErrInvalidSignature, method)
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(sigValue) != 2*size {
			return fmt.Errorf("%w: ECDSA signature has %d bytes, want %d", ErrInvalidSignature, len(sigValue), 2*size)
		}
		r := new(big.Int).SetBytes(sigValue[:size])
		s := new(big.Int).SetBytes(sigValue[size:])
		if !ecdsa.Verify(pub, digest, r, s) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrInvalidSignature)
		}
	}
	return nil
}

type validation struct {
	sig   *etree.Element
	doc   *etree.Document
	deref Dereferencer
	ids   map[string][]*etree.Element
}

type transform struct {
	algorithm  string
	prefixList string
}

func (v *validation) reference(refEl *etree.Element) (*Reference, error) {
	uriAttr := refEl.SelectAttr("URI")
	if uriAttr == nil {
		return nil, &ReferenceError{Err: fmt.Errorf("%w: reference without URI", ErrReferenceNotFound)}
	}
	ref := &Reference{URI: uriAttr.Value, Type: refEl.SelectAttrValue("Type", "")}
	fail := func(err error) (*Reference, error) {
		return nil, &ReferenceError{URI: ref.URI, Err: err}
	}

	methodEl := child(refEl, "DigestMethod")
	valueEl := child(refEl, "DigestValue")
	if methodEl == nil || valueEl == nil {
		return fail(fmt.Errorf("%w: missing digest", ErrMalformedSignature))
	}
	method := methodEl.SelectAttrValue("Algorithm", "")
	hash, ok := digestAlgorithms[method]
	if !ok {
		return fail(fmt.Errorf("%w: digest method %s", ErrUnsupportedAlgorithm, method))
	}
	ref.Digest = hash
	expected, err := decodeBase64(valueEl.Text())
	if err != nil {
		return fail(fmt.Errorf("%w: DigestValue: %v", ErrMalformedSignature, err))
	}

	var transforms []transform
	if ts := child(refEl, "Transforms"); ts != nil {
		for _, t := range children(ts, "Transform") {
			transforms = append(transforms, transform{
				algorithm:  t.SelectAttrValue("Algorithm", ""),
				prefixList: prefixListOf(t),
			})
		}
	}

	var data []byte
	if ref.URI == "" || strings.HasPrefix(ref.URI, "#") {
		ref.Element, data, err = v.sameDocument(ref.URI, transforms)
	} else {
		data, err = v.external(ref.URI, transforms)
	}
	if err != nil {
		return fail(err)
	}

	h := hash.New()
	h.Write(data)
	if !bytes.Equal(h.Sum(nil), expected) {
		return fail(ErrDigestMismatch)
	}
	return ref, nil
}

func (v *validation) sameDocument(uri string, transforms []transform) (*etree.Element, []byte, error) {
	var target *etree.Element
	if uri == "" {
		target = v.doc.Root()
	} else {
		var err error
		if target, err = v.lookupID(uri[1:]); err != nil {
			return nil, nil, err
		}
	}

	node := detach(target)
	canonicalized := false
	var data []byte
	for _, t := range transforms {
		if canonicalized {
			return nil, nil, fmt.Errorf("%w: transform %s after canonicalization", ErrUnsupportedAlgorithm, t.algorithm)
		}
		switch {
		case t.algorithm == EnvelopedSignature:
			removeEnveloped(target, node, v.sig)
		case isCanonicalization(t.algorithm):
			c, err := canonicalizer(t.algorithm, t.prefixList)
			if err != nil {
				return nil, nil, err
			}
			if data, err = c.Canonicalize(node); err != nil {
				return nil, nil, err
			}
			canonicalized = true
		default:
			return nil, nil, fmt.Errorf("%w: transform %s", ErrUnsupportedAlgorithm, t.algorithm)
		}
	}
	if !canonicalized {
		c, _ := canonicalizer(defaultCanonicalizer, "")
		var err error
		if data, err = c.Canonicalize(node); err != nil {
			return nil, nil, err
		}
	}
	return target, data, nil
}

func (v *validation) external(uri string, transforms []transform) ([]byte, error) {
	if v.deref == nil {
		return nil, fmt.Errorf("%w: %q", ErrReferenceNotFound, uri)
	}
	data, err := v.deref.Dereference(uri)
	if err != nil {
		return nil, err
	}
	for i, t := range transforms {
		if !isCanonicalization(t.algorithm) || i != len(transforms)-1 {
			return nil, fmt.Errorf("%w: transform %s on %q", ErrUnsupportedAlgorithm, t.algorithm, uri)
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(data); err != nil {
			return nil, fmt.Errorf("%w: %q is not XML: %v", ErrDigestMismatch, uri, err)
		}
		if doc.Root() == nil {
			return nil, fmt.Errorf("%w: %q is not XML", ErrDigestMismatch, uri)
		}
		c, err := canonicalizer(t.algorithm, t.prefixList)
		if err != nil {
			return nil, err
		}
		return c.Canonicalize(doc.Root())
	}
	return data, nil
}

func (v *validation) lookupID(id string) (*etree.Element, error) {
	if v.ids == nil {
		v.ids = make(map[string][]*etree.Element)
		var index func(*etree.Element)
		index = func(el *etree.Element) {
			for _, key := range []string{"Id", "ID", "id"} {
				if a := el.SelectAttr(key); a != nil && a.Space == "" {
					v.ids[a.Value] = append(v.ids[a.Value], el)
				}
			}
			for _, c := range el.ChildElements() {
				index(c)
			}
		}
		index(v.doc.Root())
	}
	switch els := v.ids[id]; len(els) {
	case 0:
		return nil, fmt.Errorf("%w: no element with id %q", ErrReferenceNotFound, id)
	case 1:
		return els[0], nil
	default:
		return nil, fmt.Errorf("%w: id %q is not unique", ErrReferenceNotFound, id)
	}
}

// removeEnveloped removes the copy of sig from node, the detached copy of
// target.
func removeEnveloped(target, node, sig *etree.Element) {
	var path []int
	for el := sig; el != target; el = el.Parent() {
		parent := el.Parent()
		if parent == nil {
			return // sig is not inside target
		}
		path = append(path, indexOf(parent, el))
	}
	if len(path) == 0 {
		return
	}
	el := node
	for i := len(path) - 1; i > 0; i-- {
		el = el.ChildElements()[path[i]]
	}
	el.RemoveChild(el.ChildElements()[path[0]])
}

func indexOf(parent, el *etree.Element) int {
	for i, c := range parent.ChildElements() {
		if c == el {
			return i
		}
	}
	return -1
}
