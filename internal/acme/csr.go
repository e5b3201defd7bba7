package acme

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/certforge/certforge/internal/model"
)

// insecureSignatureAlgorithms lists CSR signature algorithms that are
// rejected regardless of whether the signature verifies.
var insecureSignatureAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.MD5WithRSA:    true,
	x509.SHA1WithRSA:   true,
	x509.DSAWithSHA1:   true,
	x509.ECDSAWithSHA1: true,
}

// maxCommonNameLength is the RFC 5280 upper bound on a CommonName value.
const maxCommonNameLength = 64

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// checkSubject runs sanity checks on the CSR subject before any name
// matching. Certbot sets no subject at all, so an empty subject passes.
func checkSubject(subject pkix.Name) *Problem {
	commonNames := 0
	for _, atv := range subject.Names {
		if !atv.Type.Equal(oidCommonName) {
			continue
		}
		commonNames++
		cn, ok := atv.Value.(string)
		if !ok || cn == "" {
			return BadCSRProblem("CommonName must not be an empty value.")
		}
		if len(cn) > maxCommonNameLength {
			return BadCSRProblem(fmt.Sprintf("%s: Must not be longer than %d characters.", cn, maxCommonNameLength))
		}
	}
	if commonNames > 1 {
		return BadCSRProblem("Subject contains multiple CommonNames.")
	}
	return nil
}

// validateCSR parses and checks the CSR submitted at finalize time: the
// signature must verify with a secure hash, the subject must pass sanity
// checks, the CommonName (if set) must be one of the ordered names and the
// SAN set must equal the ordered names exactly.
func validateCSR(der []byte, order *model.Order) (*x509.CertificateRequest, *Problem) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, BadCSRProblem("Could not parse CSR.")
	}
	if insecureSignatureAlgorithms[csr.SignatureAlgorithm] {
		return nil, BadCSRProblem(fmt.Sprintf("%s: Insecure hash algorithm.", csr.SignatureAlgorithm))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, BadCSRProblem("CSR signature is not valid.")
	}

	if prob := checkSubject(csr.Subject); prob != nil {
		return nil, prob
	}

	ordered := make(map[string]bool, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		ordered[ident.Value] = true
	}

	if cn := csr.Subject.CommonName; cn != "" && !ordered[cn] {
		return nil, BadCSRProblem("CommonName was not in order.")
	}

	if len(csr.DNSNames) == 0 {
		return nil, BadCSRProblem("No subject alternative names found in CSR.")
	}
	// Only DNS names can be ordered, so any other SAN type is a mismatch.
	if len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return nil, BadCSRProblem("Names in CSR do not match.")
	}
	requested := make(map[string]bool, len(csr.DNSNames))
	for _, name := range csr.DNSNames {
		requested[name] = true
	}
	if len(requested) != len(ordered) {
		return nil, BadCSRProblem("Names in CSR do not match.")
	}
	for name := range requested {
		if !ordered[name] {
			return nil, BadCSRProblem("Names in CSR do not match.")
		}
	}
	return csr, nil
}
