package trust

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/dss/revocation"
	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

type timestampOptions struct {
	reference  time.Time
	skipOffset bool
}

// TimestampOption configures timestamp validation.
type TimestampOption func(*timestampOptions)

// WithReferenceTime checks the offset against t instead of the service
// clock.
func WithReferenceTime(t time.Time) TimestampOption {
	return func(o *timestampOptions) {
		o.reference = t
	}
}

// WithoutOffsetCheck disables the maximum offset check.
func WithoutOffsetCheck() TimestampOption {
	return func(o *timestampOptions) {
		o.skipOffset = true
	}
}

// TimestampResult describes a validated timestamp token.
type TimestampResult struct {
	Time          time.Time
	HashAlgorithm crypto.Hash
	HashedMessage []byte
	Signer        *x509.Certificate
	Chain         *ChainResult
}

// ValidateTimestamp checks the signature of an RFC 3161 token, the offset of
// its asserted time, and the chain of its authority at that time. Revocation
// of the authority chain is not required.
func (s *Service) ValidateTimestamp(token []byte, opts ...TimestampOption) (*TimestampResult, error) {
	return s.validateTimestamp(token, revocation.Evidence{}, false, opts)
}

// ValidateTimestampWithRevocation is ValidateTimestamp with the authority
// chain additionally checked against ev.
func (s *Service) ValidateTimestampWithRevocation(token []byte, ev revocation.Evidence, opts ...TimestampOption) (*TimestampResult, error) {
	return s.validateTimestamp(token, ev, true, opts)
}

func (s *Service) validateTimestamp(token []byte, ev revocation.Evidence, requireRevocation bool, opts []TimestampOption) (*TimestampResult, error) {
	var o timestampOptions
	for _, opt := range opts {
		opt(&o)
	}
	policy := s.policy.Policy()

	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: no unique signer certificate", ErrInvalidTimestamp)
	}

	if !o.skipOffset {
		reference := o.reference
		if reference.IsZero() {
			reference = s.clock.Now()
		}
		offset := ts.Time.Sub(reference)
		if offset < 0 {
			offset = -offset
		}
		if offset > policy.TimestampMaxOffset {
			return nil, fmt.Errorf("%w: asserted %s is %s from %s, maximum %s", ErrTimestampOutOfBounds,
				ts.Time.UTC().Format(time.RFC3339), offset, reference.UTC().Format(time.RFC3339), policy.TimestampMaxOffset)
		}
	}

	chain := append([]*x509.Certificate{signer}, p7.Certificates...)
	result, err := validateChain(s.anchors.timestamping(), chain, ts.Time, ev, policy, requireRevocation, timestampingUsage)
	if err != nil {
		return nil, err
	}
	return &TimestampResult{
		Time:          ts.Time,
		HashAlgorithm: ts.HashAlgorithm,
		HashedMessage: ts.HashedMessage,
		Signer:        signer,
		Chain:         result,
	}, nil
}
