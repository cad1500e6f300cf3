package xmldsig

import (
	"crypto"
	_ "crypto/sha1" // registers crypto.SHA1
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Canonicalization and transform algorithms.
const (
	C14N10               = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	C14N10WithComments   = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	C14N11               = "http://www.w3.org/2006/12/xml-c14n11"
	C14N11WithComments   = "http://www.w3.org/2006/12/xml-c14n11#WithComments"
	ExcC14N              = "http://www.w3.org/2001/10/xml-exc-c14n#"
	ExcC14NWithComments  = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
	EnvelopedSignature   = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	NamespaceExcC14N     = ExcC14N
	InclusiveNamespaces  = "InclusiveNamespaces"
	inclusivePrefixList  = "PrefixList"
	defaultCanonicalizer = C14N10
)

// Digest algorithms.
const (
	DigestSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	DigestSHA224 = "http://www.w3.org/2001/04/xmldsig-more#sha224"
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Signature algorithms.
const (
	RSASHA1     = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	RSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	RSASHA384   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	RSASHA512   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	ECDSASHA1   = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1"
	ECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	ECDSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"
	ECDSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512"
)

var digestAlgorithms = map[string]crypto.Hash{
	DigestSHA1:   crypto.SHA1,
	DigestSHA224: crypto.SHA224,
	DigestSHA256: crypto.SHA256,
	DigestSHA384: crypto.SHA384,
	DigestSHA512: crypto.SHA512,
}

type keyAlgorithm int

const (
	keyRSA keyAlgorithm = iota
	keyECDSA
)

type signatureAlgorithm struct {
	key  keyAlgorithm
	hash crypto.Hash
}

var signatureAlgorithms = map[string]signatureAlgorithm{
	RSASHA1:     {keyRSA, crypto.SHA1},
	RSASHA256:   {keyRSA, crypto.SHA256},
	RSASHA384:   {keyRSA, crypto.SHA384},
	RSASHA512:   {keyRSA, crypto.SHA512},
	ECDSASHA1:   {keyECDSA, crypto.SHA1},
	ECDSASHA256: {keyECDSA, crypto.SHA256},
	ECDSASHA384: {keyECDSA, crypto.SHA384},
	ECDSASHA512: {keyECDSA, crypto.SHA512},
}

// DigestAlgorithm returns the hash for a digest method URI.
func DigestAlgorithm(uri string) (crypto.Hash, bool) {
	h, ok := digestAlgorithms[uri]
	return h, ok
}

// DigestURI returns the digest method URI for a hash.
func DigestURI(h crypto.Hash) (string, bool) {
	for uri, hash := range digestAlgorithms {
		if hash == h {
			return uri, true
		}
	}
	return "", false
}
