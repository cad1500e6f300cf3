// Package dss verifies the signatures of signed documents and establishes
// whether their signers were trustworthy at signing time.
//
// An Engine ties together the configuration store, the trust anchors, the
// trust validation service and the document services by content type:
//
//	engine, err := dss.Open("dss.toml")
//	if err != nil {
//		return err
//	}
//	infos, err := engine.VerifySignatures(doc, "application/zip",
//		verify.WithEvidence(evidence))
//
// Verification runs synchronously on the caller's goroutine; an Engine may
// be shared by any number of goroutines.
package dss

import (
	"fmt"

	"github.com/digitorus/dss/config"
	"github.com/digitorus/dss/document"
	"github.com/digitorus/dss/document/zip"
	"github.com/digitorus/dss/trust"
	"github.com/digitorus/dss/verify"
	"github.com/jonboulle/clockwork"
)

type options struct {
	store   *config.Store
	anchors *trust.Anchors
	clock   clockwork.Clock
	verify  []verify.Option
}

// Option configures an Engine.
type Option func(*options)

// WithConfig uses store for the policy knobs and trust anchors.
func WithConfig(store *config.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithAnchors uses anchors instead of loading them from the configuration.
func WithAnchors(anchors *trust.Anchors) Option {
	return func(o *options) {
		o.anchors = anchors
	}
}

// WithClock sets the reference clock of the trust service.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithVerifyOptions applies opts to every verification of the engine.
func WithVerifyOptions(opts ...verify.Option) Option {
	return func(o *options) {
		o.verify = append(o.verify, opts...)
	}
}

// Engine is the entry point for document verification.
type Engine struct {
	Config   *config.Store
	Anchors  *trust.Anchors
	Trust    *trust.Service
	Verifier *verify.Verifier
	Registry *document.Registry
}

// New builds an engine. Trust anchors are read from the configuration once,
// unless given with WithAnchors.
func New(opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = config.NewStore()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.anchors == nil {
		anchors, err := trust.LoadAnchors(o.store.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("failed to load trust anchors: %w", err)
		}
		o.anchors = anchors
	}

	svc := trust.New(o.anchors, o.store, trust.WithClock(o.clock))
	registry := document.NewRegistry()
	zip.Register(registry)

	return &Engine{
		Config:   o.store,
		Anchors:  o.anchors,
		Trust:    svc,
		Verifier: verify.New(svc, o.verify...),
		Registry: registry,
	}, nil
}

// Open loads the configuration file at path and builds an engine from it.
func Open(path string, opts ...Option) (*Engine, error) {
	store := config.NewStore()
	if err := config.Load(path, store); err != nil {
		return nil, err
	}
	return New(append([]Option{WithConfig(store)}, opts...)...)
}

// Service returns the document service for a content type.
func (e *Engine) Service(contentType string) (document.Service, error) {
	return e.Registry.Lookup(contentType, e.Verifier)
}

// VerifySignatures verifies a document of the given content type and returns
// its accepted signatures in manifest order.
func (e *Engine) VerifySignatures(doc []byte, contentType string, opts ...verify.Option) ([]*verify.SignatureInfo, error) {
	svc, err := e.Service(contentType)
	if err != nil {
		return nil, err
	}
	return svc.VerifySignatures(doc, opts...)
}
