// Package profile implements the certificate profile engine: named sets of
// subject defaults and X.509 extensions that are merged with caller
// overrides and CA-derived data before signing.
package profile

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "profile"))
}

// ErrNoNames is returned when a certificate would end up with neither a
// CommonName nor a subjectAltName.
var ErrNoNames = errors.New("profile: certificate must have a CommonName or a subjectAltName")

// PolicyError is a pre-issuance policy veto. No signing happens when a
// policy check returns one.
type PolicyError struct {
	Policy string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("profile: policy %s rejected certificate: %s", e.Policy, e.Reason)
}

// PolicyCheck inspects the fully assembled template right before signing.
// Checks run in order; the first error aborts issuance.
type PolicyCheck func(template *x509.Certificate, sans []GeneralName) error

// Profile is an immutable named certificate profile. Issuance never mutates
// the profile; all merging happens on copies.
type Profile struct {
	Name      string
	Subject   pkix.Name
	Algorithm crypto.Hash
	Validity  time.Duration

	Extensions ExtensionSet

	// CNInSAN controls CommonName/subjectAltName reconciliation.
	CNInSAN bool

	// CA augmentation toggles. Each appends CA-held data into the merged
	// extension set, creating the extension when absent.
	AddCRLURLs       bool
	AddOCSPURL       bool
	AddIssuerURL     bool
	AddIssuerAltName bool

	// IssuerName overrides the issuer DN stamped into certificates; when
	// nil the signing CA's subject is used.
	IssuerName *pkix.Name
}

// CAInfo carries the signing CA data the augmentation step draws from.
type CAInfo struct {
	Certificate   *x509.Certificate
	CRLURLs       []string
	OCSPURL       string
	IssuerURL     string
	IssuerAltName string
}

// SignRequest is one issuance through a profile.
type SignRequest struct {
	PublicKey crypto.PublicKey

	// SubjectCN overrides the profile's CommonName, typically from the CSR.
	SubjectCN string

	// Extensions are caller overrides; a nil Value deletes the profile
	// default under that key.
	Extensions ExtensionSet

	// NotBefore/NotAfter override the profile validity when both are set.
	NotBefore time.Time
	NotAfter  time.Time

	Policies []PolicyCheck
}

// CreateCertificate assembles and signs a certificate:
// profile defaults, caller overrides, CA augmentation, CN/SAN
// reconciliation, SKI default, policy checks, then the actual signature.
func (p *Profile) CreateCertificate(req SignRequest, ca CAInfo, signer crypto.Signer) (*x509.Certificate, error) {
	if ca.Certificate == nil {
		return nil, errors.New("profile: signing CA certificate is required")
	}

	exts := p.Extensions.Copy()
	exts.Apply(req.Extensions)

	p.augmentFromCA(exts, ca)

	subject := p.Subject
	if req.SubjectCN != "" {
		subject.CommonName = req.SubjectCN
	}

	sans := extractSANs(exts)
	subject.CommonName, sans = p.reconcileNames(subject.CommonName, sans)
	if len(sans) > 0 {
		crit := false
		if existing, ok := exts[KeySubjectAltName].(SubjectAltName); ok {
			crit = existing.Crit
		}
		exts[KeySubjectAltName] = SubjectAltName{Names: sans, Crit: crit}
	} else {
		delete(exts, KeySubjectAltName)
	}

	if subject.CommonName == "" && len(sans) == 0 {
		return nil, ErrNoNames
	}

	if _, ok := exts[KeySubjectKeyID]; !ok {
		ski, err := ComputeSubjectKeyID(req.PublicKey)
		if err != nil {
			return nil, err
		}
		exts[KeySubjectKeyID] = SubjectKeyID{KeyID: ski}
	}

	notBefore, notAfter := req.NotBefore, req.NotAfter
	if notBefore.IsZero() || notAfter.IsZero() {
		notBefore = time.Now().Add(-5 * time.Minute)
		notAfter = time.Now().Add(p.Validity)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}

	sigAlg, err := signatureAlgorithm(signer, p.Algorithm)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serialNumber,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    encodeExtensions(exts),
	}
	if len(template.ExtraExtensions) != len(exts) {
		return nil, errors.New("profile: failed to encode extension set")
	}

	for _, check := range req.Policies {
		if err := check(template, sans); err != nil {
			return nil, err
		}
	}

	parent := ca.Certificate
	if p.IssuerName != nil {
		// Clone the parent with an overridden subject so the issuer DN in
		// the leaf matches the profile, not the CA certificate.
		clone := *ca.Certificate
		rawSubject, err := asn1.Marshal(p.IssuerName.ToRDNSequence())
		if err != nil {
			return nil, fmt.Errorf("profile: failed to encode issuer name: %w", err)
		}
		clone.RawSubject = rawSubject
		parent = &clone
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, req.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("profile: failed to sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("profile: failed to parse signed certificate: %w", err)
	}
	logger.Info("Certificate signed",
		zap.String("profile", p.Name),
		zap.String("serial", fmt.Sprintf("%x", cert.SerialNumber)),
		zap.String("subject", cert.Subject.String()))
	return cert, nil
}

// augmentFromCA folds CA-held data into the merged extension set. The URL
// extensions are additive: the CA's URLs and names are appended (deduplicated)
// into whatever the profile or overrides already defined, creating the
// extension when absent. Only the authority key identifier is setdefault.
func (p *Profile) augmentFromCA(exts ExtensionSet, ca CAInfo) {
	if p.AddCRLURLs && len(ca.CRLURLs) > 0 {
		crl, _ := exts[KeyCRLDistPoints].(CRLDistributionPoints)
		crl.URLs = appendMissing(crl.URLs, ca.CRLURLs...)
		exts[KeyCRLDistPoints] = crl
	}
	if (p.AddOCSPURL && ca.OCSPURL != "") || (p.AddIssuerURL && ca.IssuerURL != "") {
		aia, _ := exts[KeyAuthorityInfo].(AuthorityInfoAccess)
		if p.AddOCSPURL && ca.OCSPURL != "" {
			aia.OCSP = appendMissing(aia.OCSP, ca.OCSPURL)
		}
		if p.AddIssuerURL && ca.IssuerURL != "" {
			aia.Issuers = appendMissing(aia.Issuers, ca.IssuerURL)
		}
		exts[KeyAuthorityInfo] = aia
	}
	if p.AddIssuerAltName && ca.IssuerAltName != "" {
		ian, _ := exts[KeyIssuerAltName].(IssuerAltName)
		ian.Names = dedupeNames(append(ian.Names, ParseGeneralName(ca.IssuerAltName)))
		exts[KeyIssuerAltName] = ian
	}
	if len(ca.Certificate.SubjectKeyId) > 0 {
		exts.setDefault(AuthorityKeyID{KeyID: ca.Certificate.SubjectKeyId})
	}
}

// reconcileNames applies the CN/SAN rules: a missing CommonName always
// adopts the first SAN, and with CNInSAN a CommonName is mirrored into the
// SAN set. CNInSAN only gates the CN-to-SAN direction. SAN entries are
// deduplicated preserving order.
func (p *Profile) reconcileNames(cn string, sans []GeneralName) (string, []GeneralName) {
	sans = dedupeNames(sans)
	if cn == "" {
		if len(sans) > 0 {
			cn = sans[0].Value
		}
		return cn, sans
	}
	if !p.CNInSAN {
		return cn, sans
	}
	found := false
	for _, n := range sans {
		if n.Value == cn {
			found = true
			break
		}
	}
	if !found {
		sans = append(sans, ParseGeneralName(cn))
	}
	return cn, sans
}

func extractSANs(exts ExtensionSet) []GeneralName {
	san, ok := exts[KeySubjectAltName].(SubjectAltName)
	if !ok {
		return nil
	}
	return append([]GeneralName(nil), san.Names...)
}

func appendMissing(dst []string, add ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if seen[s] {
			continue
		}
		seen[s] = true
		dst = append(dst, s)
	}
	return dst
}

func dedupeNames(names []GeneralName) []GeneralName {
	seen := make(map[GeneralName]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// encodeExtensions renders the set in deterministic key order. Extensions
// that fail to encode are dropped; the caller detects that by comparing
// lengths.
func encodeExtensions(exts ExtensionSet) []pkix.Extension {
	keys := make([]string, 0, len(exts))
	for k := range exts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pkix.Extension, 0, len(keys))
	for _, k := range keys {
		ext, err := exts[k].Encode()
		if err != nil {
			logger.Error("Failed to encode extension", zap.String("extension", k), zap.Error(err))
			continue
		}
		out = append(out, ext)
	}
	return out
}

// ComputeSubjectKeyID returns the SHA-1 hash of the subjectPublicKey BIT
// STRING, the classic RFC 5280 method (1) key identifier.
func ComputeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("profile: failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("profile: failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

const serialBits = 128

func generateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serialNumber, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("profile: generated non-positive serial number")
	}
	return serialNumber, nil
}

func signatureAlgorithm(signer crypto.Signer, hash crypto.Hash) (x509.SignatureAlgorithm, error) {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return x509.SHA256WithRSA, nil
		case crypto.SHA384:
			return x509.SHA384WithRSA, nil
		case crypto.SHA512:
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return x509.ECDSAWithSHA256, nil
		case crypto.SHA384:
			return x509.ECDSAWithSHA384, nil
		case crypto.SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("profile: unsupported key/digest combination (%T, %v)", signer.Public(), hash)
}
