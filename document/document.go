// Package document defines the contract every supported document type
// implements, and a registry that dispatches on content type.
package document

import (
	"errors"

	"github.com/digitorus/dss/verify"
)

var (
	// ErrSigningNotSupported is returned by SignatureService: this service
	// verifies signatures but does not create them.
	ErrSigningNotSupported = errors.New("signature creation is not supported")

	// ErrUnsupportedContentType is returned for content types without a
	// registered service.
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// Visualization is a human viewable rendering of a document.
type Visualization struct {
	MimeType string
	Data     []byte
}

// Signer creates a signature over a document.
type Signer interface {
	Sign(document []byte) ([]byte, error)
}

// Service handles the documents of one content type. Implementations never
// modify the document bytes they are given.
type Service interface {
	// CheckIncomingDocument fails when the document is structurally
	// unusable.
	CheckIncomingDocument(document []byte) error

	// VisualizeDocument renders the document for display in the given
	// language (a BCP 47 tag).
	VisualizeDocument(document []byte, language string) (*Visualization, error)

	// SignatureService returns the signer for this document type.
	SignatureService() (Signer, error)

	// VerifySignatures returns the accepted signatures of the document in
	// manifest order. A document without signatures yields an empty slice.
	VerifySignatures(document []byte, opts ...verify.Option) ([]*verify.SignatureInfo, error)
}

// Factory builds the service of a content type around a verifier.
type Factory func(v *verify.Verifier) Service
