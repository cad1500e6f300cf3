// Package zip implements the document service for ZIP containers that keep
// their XML signatures in a META-INF signature manifest.
package zip

import (
	"fmt"

	"github.com/digitorus/dss/container"
	"github.com/digitorus/dss/document"
	"github.com/digitorus/dss/extract"
	"github.com/digitorus/dss/verify"
)

// ContentType is the content type served by this package.
const ContentType = "application/zip"

// Register adds the ZIP service to r.
func Register(r *document.Registry) {
	r.Register(ContentType, func(v *verify.Verifier) document.Service {
		return New(v)
	})
}

var _ document.Service = (*Service)(nil)

// Service is the document service for ZIP containers.
type Service struct {
	verifier *verify.Verifier
}

// New returns a service verifying with v.
func New(v *verify.Verifier) *Service {
	if v == nil {
		v = verify.New(nil)
	}
	return &Service{verifier: v}
}

// CheckIncomingDocument checks that the document is a readable archive with
// unique entry names and, when it has one, a parseable signature manifest.
func (s *Service) CheckIncomingDocument(doc []byte) error {
	archive, err := container.Open(doc)
	if err != nil {
		return err
	}
	if _, err := extract.FindManifest(archive); err != nil {
		return err
	}
	return nil
}

// SignatureService is not supported for ZIP containers.
func (s *Service) SignatureService() (document.Signer, error) {
	return nil, document.ErrSigningNotSupported
}

// VerifySignatures returns the accepted signatures of the document.
func (s *Service) VerifySignatures(doc []byte, opts ...verify.Option) ([]*verify.SignatureInfo, error) {
	results, err := s.Results(doc, opts...)
	if err != nil {
		return nil, err
	}
	return verify.Accepted(results), nil
}

// Results returns the outcome for every signature of the document, including
// the omitted ones. An unreadable archive or signature manifest fails the
// whole call.
func (s *Service) Results(doc []byte, opts ...verify.Option) ([]verify.Result, error) {
	archive, err := container.Open(doc)
	if err != nil {
		return nil, err
	}
	manifest, err := extract.FindManifest(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	return s.verifier.Verify(manifest, archive, opts...), nil
}
