package xmldsig

import (
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// canonicalizer returns the goxmldsig canonicalizer for an algorithm URI.
// Comment preserving variants are unsupported.
func canonicalizer(algorithm, prefixList string) (dsig.Canonicalizer, error) {
	switch algorithm {
	case C14N10:
		return dsig.MakeC14N10RecCanonicalizer(), nil
	case C14N11:
		return dsig.MakeC14N11Canonicalizer(), nil
	case ExcC14N:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList), nil
	default:
		return nil, fmt.Errorf("%w: canonicalization %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

func isCanonicalization(algorithm string) bool {
	switch algorithm {
	case C14N10, C14N11, ExcC14N:
		return true
	}
	return false
}

// Canonicalize serializes el with the given canonicalization algorithm.
// Namespace declarations in scope from the ancestors of el are taken into
// account; el itself is left untouched.
func Canonicalize(el *etree.Element, algorithm, prefixList string) ([]byte, error) {
	c, err := canonicalizer(algorithm, prefixList)
	if err != nil {
		return nil, err
	}
	return c.Canonicalize(detach(el))
}

// detach returns a deep copy of el carrying every namespace declaration that
// is in scope at el, so it can be canonicalized outside of its document.
func detach(el *etree.Element) *etree.Element {
	cp := el.Copy()
	declared := make(map[string]bool)
	for _, a := range cp.Attr {
		if prefix, ok := namespaceDeclaration(a); ok {
			declared[prefix] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			prefix, ok := namespaceDeclaration(a)
			if !ok || declared[prefix] {
				continue
			}
			declared[prefix] = true
			if prefix == "" {
				cp.CreateAttr("xmlns", a.Value)
			} else {
				cp.CreateAttr("xmlns:"+prefix, a.Value)
			}
		}
	}
	return cp
}

func namespaceDeclaration(a etree.Attr) (string, bool) {
	switch {
	case a.Space == "xmlns":
		return a.Key, true
	case a.Space == "" && a.Key == "xmlns":
		return "", true
	}
	return "", false
}
