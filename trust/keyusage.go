package trust

import (
	"crypto/x509"
)

// signingUsage accepts a signer certificate that either carries no key usage
// extension or permits digital signatures or content commitment.
func signingUsage(cert *x509.Certificate) error {
	if cert.KeyUsage == 0 {
		return nil
	}
	if cert.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) == 0 {
		return chainError(cert, "key usage permits neither digital signature nor content commitment")
	}
	return nil
}

// timestampingUsage requires the timeStamping extended key usage.
func timestampingUsage(cert *x509.Certificate) error {
	if !hasExtKeyUsage(cert, x509.ExtKeyUsageTimeStamping) {
		return chainError(cert, "certificate is not valid for timestamping")
	}
	return nil
}

func hasExtKeyUsage(cert *x509.Certificate, usage x509.ExtKeyUsage) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == usage {
			return true
		}
	}
	return false
}
