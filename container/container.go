// Package container gives read access to the named resources of a ZIP based
// document and resolves signature references against them.
package container

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/mattetti/filebuffer"
)

// MaxResourceSize bounds the decompressed size of a single resource.
const MaxResourceSize = 64 << 20

var (
	// ErrMalformedContainer is returned when the document is not a readable
	// archive or holds duplicate entry names.
	ErrMalformedContainer = errors.New("malformed container")

	// ErrReferenceNotFound is returned when a reference does not resolve to
	// a resource inside the container.
	ErrReferenceNotFound = errors.New("reference not found")
)

// Resource is a named entry of the container.
type Resource struct {
	Name string
	file *zip.File
}

// Size returns the uncompressed size recorded in the archive.
func (r *Resource) Size() uint64 {
	return r.file.UncompressedSize64
}

// Open reads the resource content.
func (r *Resource) Open() ([]byte, error) {
	rc, err := r.file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedContainer, r.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(rc, MaxResourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedContainer, r.Name, err)
	}
	if len(data) > MaxResourceSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedContainer, r.Name, MaxResourceSize)
	}
	return data, nil
}

// Archive is an indexed view over the resources of one document.
type Archive struct {
	resources []*Resource
	byName    map[string]*Resource
}

// Open indexes the archive entries of document. Entry names must be unique.
func Open(document []byte) (*Archive, error) {
	zr, err := zip.NewReader(filebuffer.New(document), int64(len(document)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	a := &Archive{
		resources: make([]*Resource, 0, len(zr.File)),
		byName:    make(map[string]*Resource, len(zr.File)),
	}
	for _, f := range zr.File {
		if _, dup := a.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrMalformedContainer, f.Name)
		}
		r := &Resource{Name: f.Name, file: f}
		a.resources = append(a.resources, r)
		a.byName[f.Name] = r
	}
	return a, nil
}

// Names returns the entry names in archive order.
func (a *Archive) Names() []string {
	names := make([]string, len(a.resources))
	for i, r := range a.resources {
		names[i] = r.Name
	}
	return names
}

// Resources returns the entries in archive order.
func (a *Archive) Resources() []*Resource {
	out := make([]*Resource, len(a.resources))
	copy(out, a.resources)
	return out
}

// Resource returns the entry with the exact given name.
func (a *Archive) Resource(name string) (*Resource, bool) {
	r, ok := a.byName[name]
	return r, ok
}

// Dereference resolves a reference URI to the content of a resource of this
// archive. Only relative references inside the archive namespace resolve;
// absolute URIs, absolute paths, fragments and traversal are rejected.
func (a *Archive) Dereference(uri string) ([]byte, error) {
	name, err := resourceName(uri)
	if err != nil {
		return nil, err
	}
	r, ok := a.byName[name]
	if !ok || strings.HasSuffix(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrReferenceNotFound, uri)
	}
	return r.Open()
}

// resourceName maps a reference URI onto an entry name.
func resourceName(uri string) (string, error) {
	if uri == "" || strings.HasPrefix(uri, "#") {
		return "", fmt.Errorf("%w: %q is not a container reference", ErrReferenceNotFound, uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrReferenceNotFound, uri, err)
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil || u.Fragment != "" || u.RawQuery != "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q points outside the container", ErrReferenceNotFound, uri)
	}

	name := u.Path
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: %q points outside the container", ErrReferenceNotFound, uri)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q points outside the container", ErrReferenceNotFound, uri)
		}
	}
	if path.Clean(name) != strings.TrimSuffix(name, "/") {
		return "", fmt.Errorf("%w: %q is not a canonical entry name", ErrReferenceNotFound, uri)
	}
	return name, nil
}
