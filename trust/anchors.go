package trust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/digitorus/dss/config"
)

// Anchors are the certificates trusted without further validation.
type Anchors struct {
	// Signing anchors terminate signer certificate chains.
	Signing []*x509.Certificate
	// Timestamping anchors terminate timestamp authority chains. When empty
	// the signing anchors are used.
	Timestamping []*x509.Certificate
}

func (a *Anchors) timestamping() []*x509.Certificate {
	if len(a.Timestamping) > 0 {
		return a.Timestamping
	}
	return a.Signing
}

// LoadAnchors reads the trust-anchor and timestamp-trust-anchor properties
// of a configuration snapshot. Each value is either inline PEM or the path
// of a PEM file; a file may hold several certificates.
func LoadAnchors(snap *config.Snapshot) (*Anchors, error) {
	a := &Anchors{}
	for _, target := range []struct {
		property *config.Property
		certs    *[]*x509.Certificate
	}{
		{config.TrustAnchor, &a.Signing},
		{config.TimestampTrustAnchor, &a.Timestamping},
	} {
		for _, index := range snap.Indexes(target.property) {
			value := snap.String(target.property, index)
			data := []byte(value)
			if !strings.Contains(value, "-----BEGIN") {
				var err error
				if data, err = os.ReadFile(value); err != nil {
					return nil, fmt.Errorf("%s: %w", target.property.Key(index), err)
				}
			}
			certs, err := ParsePEM(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", target.property.Key(index), err)
			}
			*target.certs = append(*target.certs, certs...)
		}
	}
	return a, nil
}

// ParsePEM decodes every CERTIFICATE block of data.
func ParsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}
