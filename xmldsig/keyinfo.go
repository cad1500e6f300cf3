package xmldsig

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/extract"
)

// KeySelector picks the signing certificate from the ds:KeyInfo of a
// signature.
type KeySelector struct{}

// Select returns the signer certificate followed by the remaining
// certificates of the KeyInfo ordered as a chain where possible.
//
// The KeyInfo must hold exactly one certificate that does not issue any other
// certificate of the set.
func (KeySelector) Select(sig *etree.Element) ([]*x509.Certificate, error) {
	keyInfo := child(sig, "KeyInfo")
	if keyInfo == nil {
		return nil, fmt.Errorf("%w: no ds:KeyInfo", ErrAmbiguousKeyInfo)
	}

	var certs []*x509.Certificate
	for _, data := range keyInfo.ChildElements() {
		if !extract.IsDSig(data, "X509Data") {
			continue
		}
		for _, el := range data.ChildElements() {
			if !extract.IsDSig(el, "X509Certificate") {
				continue
			}
			der, err := decodeBase64(el.Text())
			if err != nil {
				return nil, fmt.Errorf("%w: X509Certificate: %v", ErrAmbiguousKeyInfo, err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: X509Certificate: %v", ErrAmbiguousKeyInfo, err)
			}
			certs = appendUnique(certs, cert)
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no X509Certificate", ErrAmbiguousKeyInfo)
	}

	var leaves []*x509.Certificate
	for _, c := range certs {
		if !issuesAny(c, certs) {
			leaves = append(leaves, c)
		}
	}
	if len(leaves) != 1 {
		return nil, fmt.Errorf("%w: %d candidate signing certificates", ErrAmbiguousKeyInfo, len(leaves))
	}
	return orderChain(leaves[0], certs), nil
}

func issuesAny(issuer *x509.Certificate, certs []*x509.Certificate) bool {
	for _, c := range certs {
		if c == issuer {
			continue
		}
		if bytes.Equal(c.RawIssuer, issuer.RawSubject) && c.CheckSignatureFrom(issuer) == nil {
			return true
		}
	}
	return false
}

// orderChain puts leaf first and then follows issuers through certs. Certs
// that are not part of the path are appended at the end.
func orderChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	used := map[*x509.Certificate]bool{leaf: true}
	for current := leaf; ; {
		var next *x509.Certificate
		for _, c := range certs {
			if !used[c] && bytes.Equal(current.RawIssuer, c.RawSubject) && current.CheckSignatureFrom(c) == nil {
				next = c
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		used[next] = true
		current = next
	}
	for _, c := range certs {
		if !used[c] {
			chain = append(chain, c)
		}
	}
	return chain
}

func appendUnique(certs []*x509.Certificate, cert *x509.Certificate) []*x509.Certificate {
	for _, c := range certs {
		if c.Equal(cert) {
			return certs
		}
	}
	return append(certs, cert)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// child returns the first ds: child element with the given local name.
func child(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if extract.IsDSig(c, tag) {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if extract.IsDSig(c, tag) {
			out = append(out, c)
		}
	}
	return out
}
