// Package revocation holds the revocation evidence (OCSP responses and CRLs)
// a trust decision is based on.
package revocation

import (
	"bytes"
)

// Evidence is a set of raw DER encoded OCSP responses and CRLs. The zero
// value is an empty set.
type Evidence struct {
	OCSP [][]byte
	CRL  [][]byte
}

// AddOCSP adds the raw bytes of an OCSP response. Duplicates are ignored.
func (e *Evidence) AddOCSP(b []byte) {
	e.OCSP = appendUnique(e.OCSP, b)
}

// AddCRL adds the raw bytes of a CRL. Duplicates are ignored.
func (e *Evidence) AddCRL(b []byte) {
	e.CRL = appendUnique(e.CRL, b)
}

// Merge returns a new set holding the evidence of e followed by that of
// other.
func (e Evidence) Merge(other Evidence) Evidence {
	var out Evidence
	for _, b := range e.OCSP {
		out.AddOCSP(b)
	}
	for _, b := range other.OCSP {
		out.AddOCSP(b)
	}
	for _, b := range e.CRL {
		out.AddCRL(b)
	}
	for _, b := range other.CRL {
		out.AddCRL(b)
	}
	return out
}

// Len returns the number of responses and lists in the set.
func (e Evidence) Len() int {
	return len(e.OCSP) + len(e.CRL)
}

func appendUnique(set [][]byte, b []byte) [][]byte {
	if len(b) == 0 {
		return set
	}
	for _, have := range set {
		if bytes.Equal(have, b) {
			return set
		}
	}
	return append(set, bytes.Clone(b))
}
