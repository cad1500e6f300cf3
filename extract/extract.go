// Package extract locates the signature manifest of a container and iterates
// over the XML signatures it holds.
package extract

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/beevik/etree"
	"github.com/digitorus/dss/container"
)

// NamespaceDSig is the XML Signature namespace.
const NamespaceDSig = "http://www.w3.org/2000/09/xmldsig#"

// ErrMalformedSignatureManifest is returned when the signature manifest is
// present but cannot be parsed.
var ErrMalformedSignatureManifest = errors.New("malformed signature manifest")

// IsSignatureManifest reports whether an archive entry name designates a
// signature manifest: an XML file under META-INF/ whose name contains
// "signatures".
func IsSignatureManifest(name string) bool {
	if !strings.HasPrefix(name, "META-INF/") || !strings.HasSuffix(name, ".xml") {
		return false
	}
	return strings.Contains(name[len("META-INF/"):], "signatures")
}

// Manifest is a parsed signature manifest.
type Manifest struct {
	Name     string
	Document *etree.Document
}

// Signature is a ds:Signature element of a manifest.
type Signature struct {
	// Index is the position of the signature in document order.
	Index   int
	ID      string
	Element *etree.Element
}

// FindManifest returns the first signature manifest in archive order, or nil
// if the archive holds none.
func FindManifest(archive *container.Archive) (*Manifest, error) {
	for _, name := range archive.Names() {
		if !IsSignatureManifest(name) {
			continue
		}
		r, _ := archive.Resource(name)
		data, err := r.Open()
		if err != nil {
			return nil, err
		}
		return ParseManifest(name, data)
	}
	return nil, nil
}

// ParseManifest parses the XML content of a signature manifest.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSignatureManifest, name, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: %s has no root element", ErrMalformedSignatureManifest, name)
	}
	return &Manifest{Name: name, Document: doc}, nil
}

// Signatures returns all signatures of the manifest in document order.
func (m *Manifest) Signatures() []*Signature {
	var sigs []*Signature
	for _, sig := range m.Iter() {
		sigs = append(sigs, sig)
	}
	return sigs
}

// Iter returns an iterator over the ds:Signature elements of the manifest,
// depth first in document order. Signatures nested inside another signature
// are not reported; counter-signatures are validated as part of their parent.
func (m *Manifest) Iter() iter.Seq2[int, *Signature] {
	return func(yield func(int, *Signature) bool) {
		index := 0
		var traverse func(*etree.Element) bool
		traverse = func(el *etree.Element) bool {
			if IsDSig(el, "Signature") {
				sig := &Signature{
					Index:   index,
					ID:      el.SelectAttrValue("Id", ""),
					Element: el,
				}
				index++
				return yield(sig.Index, sig)
			}
			for _, child := range el.ChildElements() {
				if !traverse(child) {
					return false
				}
			}
			return true
		}
		traverse(m.Document.Root())
	}
}

// IsDSig reports whether el is the XML Signature element with the given
// local name.
func IsDSig(el *etree.Element, tag string) bool {
	return el != nil && el.Tag == tag && el.NamespaceURI() == NamespaceDSig
}
