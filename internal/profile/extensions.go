package profile

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"strings"
)

// Extension map keys. Profiles, overrides and the CA augmentation all address
// extensions through these names.
const (
	KeySubjectKeyID     = "subject_key_identifier"
	KeyKeyUsage         = "key_usage"
	KeySubjectAltName   = "subject_alternative_name"
	KeyIssuerAltName    = "issuer_alternative_name"
	KeyBasicConstraints = "basic_constraints"
	KeyCRLDistPoints    = "crl_distribution_points"
	KeyAuthorityKeyID   = "authority_key_identifier"
	KeyExtKeyUsage      = "extended_key_usage"
	KeyAuthorityInfo    = "authority_information_access"
	KeyOCSPNoCheck      = "ocsp_no_check"
)

var (
	oidSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidIssuerAltName    = asn1.ObjectIdentifier{2, 5, 29, 18}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidCRLDistPoints    = asn1.ObjectIdentifier{2, 5, 29, 31}
	oidAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidAuthorityInfo    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	oidAccessOCSP       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}
	oidAccessCAIssuers  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 2}
	oidOCSPNoCheck      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
)

// Value is one X.509 extension in a profile's extension set. Implementations
// are value types; Copy returns an independent instance so profiles can be
// merged without aliasing.
type Value interface {
	Key() string
	Critical() bool
	Encode() (pkix.Extension, error)
	Copy() Value
}

// ExtensionSet maps extension keys to their values. A nil Value in an
// override set deletes the profile default under the same key.
type ExtensionSet map[string]Value

// Copy returns a deep copy of the set.
func (s ExtensionSet) Copy() ExtensionSet {
	out := make(ExtensionSet, len(s))
	for k, v := range s {
		out[k] = v.Copy()
	}
	return out
}

// Apply merges overrides into the set. Overrides replace defaults wholesale;
// a nil value removes the extension. The merge is idempotent and the order
// of independent keys does not matter.
func (s ExtensionSet) Apply(overrides ExtensionSet) {
	for k, v := range overrides {
		if v == nil {
			delete(s, k)
			continue
		}
		s[k] = v.Copy()
	}
}

// setDefault inserts v only when the key is absent.
func (s ExtensionSet) setDefault(v Value) {
	if _, ok := s[v.Key()]; !ok {
		s[v.Key()] = v
	}
}

// --- GeneralName ---

// GeneralName is a single subjectAltName / issuerAltName entry.
type GeneralName struct {
	Type  string // "dns", "ip", "email" or "uri"
	Value string
}

// ParseGeneralName classifies a bare string the way certificate tooling
// usually does: IP literals, mailbox-looking strings and URI schemes are
// recognized, everything else is a DNS name.
func ParseGeneralName(s string) GeneralName {
	switch {
	case net.ParseIP(s) != nil:
		return GeneralName{Type: "ip", Value: s}
	case strings.Contains(s, "://"):
		return GeneralName{Type: "uri", Value: s}
	case strings.Contains(s, "@"):
		return GeneralName{Type: "email", Value: s}
	default:
		return GeneralName{Type: "dns", Value: s}
	}
}

func (n GeneralName) rawValue() (asn1.RawValue, error) {
	switch n.Type {
	case "email":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, Bytes: []byte(n.Value)}, nil
	case "dns":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, Bytes: []byte(n.Value)}, nil
	case "uri":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(n.Value)}, nil
	case "ip":
		ip := net.ParseIP(n.Value)
		if ip == nil {
			return asn1.RawValue{}, fmt.Errorf("profile: invalid IP address %q", n.Value)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 7, Bytes: ip}, nil
	default:
		return asn1.RawValue{}, fmt.Errorf("profile: unsupported general name type %q", n.Type)
	}
}

func encodeGeneralNames(names []GeneralName) ([]byte, error) {
	raws := make([]asn1.RawValue, 0, len(names))
	for _, n := range names {
		raw, err := n.rawValue()
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return asn1.Marshal(raws)
}

// --- SubjectKeyID ---

type SubjectKeyID struct {
	KeyID []byte
}

func (e SubjectKeyID) Key() string    { return KeySubjectKeyID }
func (e SubjectKeyID) Critical() bool { return false }
func (e SubjectKeyID) Copy() Value {
	return SubjectKeyID{KeyID: append([]byte(nil), e.KeyID...)}
}
func (e SubjectKeyID) Encode() (pkix.Extension, error) {
	der, err := asn1.Marshal(e.KeyID)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidSubjectKeyID, Value: der}, nil
}

// --- AuthorityKeyID ---

type AuthorityKeyID struct {
	KeyID []byte
}

func (e AuthorityKeyID) Key() string    { return KeyAuthorityKeyID }
func (e AuthorityKeyID) Critical() bool { return false }
func (e AuthorityKeyID) Copy() Value {
	return AuthorityKeyID{KeyID: append([]byte(nil), e.KeyID...)}
}
func (e AuthorityKeyID) Encode() (pkix.Extension, error) {
	der, err := asn1.Marshal(struct {
		ID []byte `asn1:"optional,tag:0"`
	}{ID: e.KeyID})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidAuthorityKeyID, Value: der}, nil
}

// --- BasicConstraints ---

type BasicConstraints struct {
	IsCA    bool
	PathLen *int
	Crit    bool
}

func (e BasicConstraints) Key() string    { return KeyBasicConstraints }
func (e BasicConstraints) Critical() bool { return e.Crit }
func (e BasicConstraints) Copy() Value {
	out := BasicConstraints{IsCA: e.IsCA, Crit: e.Crit}
	if e.PathLen != nil {
		pl := *e.PathLen
		out.PathLen = &pl
	}
	return out
}
func (e BasicConstraints) Encode() (pkix.Extension, error) {
	bc := struct {
		IsCA       bool `asn1:"optional"`
		MaxPathLen int  `asn1:"optional,default:-1"`
	}{IsCA: e.IsCA, MaxPathLen: -1}
	if e.IsCA && e.PathLen != nil {
		bc.MaxPathLen = *e.PathLen
	}
	der, err := asn1.Marshal(bc)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidBasicConstraints, Critical: e.Crit, Value: der}, nil
}

// --- KeyUsage ---

var keyUsageBits = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"nonRepudiation":    x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
	"encipherOnly":      x509.KeyUsageEncipherOnly,
	"decipherOnly":      x509.KeyUsageDecipherOnly,
}

type KeyUsage struct {
	Usages []string
	Crit   bool
}

func (e KeyUsage) Key() string    { return KeyKeyUsage }
func (e KeyUsage) Critical() bool { return e.Crit }
func (e KeyUsage) Copy() Value {
	return KeyUsage{Usages: append([]string(nil), e.Usages...), Crit: e.Crit}
}
func (e KeyUsage) Encode() (pkix.Extension, error) {
	var usage x509.KeyUsage
	for _, name := range e.Usages {
		bit, ok := keyUsageBits[name]
		if !ok {
			return pkix.Extension{}, fmt.Errorf("profile: unknown key usage %q", name)
		}
		usage |= bit
	}

	// KeyUsage is a BIT STRING with DER bit order reversed relative to the
	// x509.KeyUsage integer representation.
	var a [2]byte
	a[0] = reverseBitsInAByte(byte(usage))
	a[1] = reverseBitsInAByte(byte(usage >> 8))
	l := 1
	if a[1] != 0 {
		l = 2
	}
	bitString := a[:l]
	der, err := asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: asn1BitLength(bitString)})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidKeyUsage, Critical: e.Crit, Value: der}, nil
}

func reverseBitsInAByte(in byte) byte {
	b1 := in>>4 | in<<4
	b2 := b1>>2&0x33 | b1<<2&0xcc
	return b2>>1&0x55 | b2<<1&0xaa
}

// asn1BitLength returns the bit length of the bit string, ignoring trailing
// zero bits.
func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}

// --- ExtKeyUsage ---

var extKeyUsageOIDs = map[string]asn1.ObjectIdentifier{
	"serverAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codeSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailProtection": {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timeStamping":    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"OCSPSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

type ExtKeyUsage struct {
	Usages []string
	Crit   bool
}

func (e ExtKeyUsage) Key() string    { return KeyExtKeyUsage }
func (e ExtKeyUsage) Critical() bool { return e.Crit }
func (e ExtKeyUsage) Copy() Value {
	return ExtKeyUsage{Usages: append([]string(nil), e.Usages...), Crit: e.Crit}
}
func (e ExtKeyUsage) Encode() (pkix.Extension, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(e.Usages))
	for _, name := range e.Usages {
		oid, ok := extKeyUsageOIDs[name]
		if !ok {
			return pkix.Extension{}, fmt.Errorf("profile: unknown extended key usage %q", name)
		}
		oids = append(oids, oid)
	}
	der, err := asn1.Marshal(oids)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: e.Crit, Value: der}, nil
}

// --- SubjectAltName / IssuerAltName ---

type SubjectAltName struct {
	Names []GeneralName
	Crit  bool
}

func (e SubjectAltName) Key() string    { return KeySubjectAltName }
func (e SubjectAltName) Critical() bool { return e.Crit }
func (e SubjectAltName) Copy() Value {
	return SubjectAltName{Names: append([]GeneralName(nil), e.Names...), Crit: e.Crit}
}
func (e SubjectAltName) Encode() (pkix.Extension, error) {
	der, err := encodeGeneralNames(e.Names)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidSubjectAltName, Critical: e.Crit, Value: der}, nil
}

type IssuerAltName struct {
	Names []GeneralName
}

func (e IssuerAltName) Key() string    { return KeyIssuerAltName }
func (e IssuerAltName) Critical() bool { return false }
func (e IssuerAltName) Copy() Value {
	return IssuerAltName{Names: append([]GeneralName(nil), e.Names...)}
}
func (e IssuerAltName) Encode() (pkix.Extension, error) {
	der, err := encodeGeneralNames(e.Names)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidIssuerAltName, Value: der}, nil
}

// --- CRLDistributionPoints ---

type CRLDistributionPoints struct {
	URLs []string
	Crit bool
}

func (e CRLDistributionPoints) Key() string    { return KeyCRLDistPoints }
func (e CRLDistributionPoints) Critical() bool { return e.Crit }
func (e CRLDistributionPoints) Copy() Value {
	return CRLDistributionPoints{URLs: append([]string(nil), e.URLs...), Crit: e.Crit}
}

type distributionPointName struct {
	FullName []asn1.RawValue `asn1:"optional,tag:0"`
}

type distributionPoint struct {
	DistributionPoint distributionPointName `asn1:"optional,tag:0"`
}

func (e CRLDistributionPoints) Encode() (pkix.Extension, error) {
	points := make([]distributionPoint, 0, len(e.URLs))
	for _, url := range e.URLs {
		points = append(points, distributionPoint{
			DistributionPoint: distributionPointName{
				FullName: []asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(url)}},
			},
		})
	}
	der, err := asn1.Marshal(points)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidCRLDistPoints, Critical: e.Crit, Value: der}, nil
}

// --- AuthorityInfoAccess ---

type AuthorityInfoAccess struct {
	OCSP    []string
	Issuers []string
}

func (e AuthorityInfoAccess) Key() string    { return KeyAuthorityInfo }
func (e AuthorityInfoAccess) Critical() bool { return false }
func (e AuthorityInfoAccess) Copy() Value {
	return AuthorityInfoAccess{
		OCSP:    append([]string(nil), e.OCSP...),
		Issuers: append([]string(nil), e.Issuers...),
	}
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

func (e AuthorityInfoAccess) Encode() (pkix.Extension, error) {
	descs := make([]accessDescription, 0, len(e.OCSP)+len(e.Issuers))
	for _, url := range e.OCSP {
		descs = append(descs, accessDescription{
			Method:   oidAccessOCSP,
			Location: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(url)},
		})
	}
	for _, url := range e.Issuers {
		descs = append(descs, accessDescription{
			Method:   oidAccessCAIssuers,
			Location: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(url)},
		})
	}
	der, err := asn1.Marshal(descs)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidAuthorityInfo, Value: der}, nil
}

// --- OCSPNoCheck ---

type OCSPNoCheck struct{}

func (e OCSPNoCheck) Key() string    { return KeyOCSPNoCheck }
func (e OCSPNoCheck) Critical() bool { return false }
func (e OCSPNoCheck) Copy() Value    { return OCSPNoCheck{} }
func (e OCSPNoCheck) Encode() (pkix.Extension, error) {
	// id-pkix-ocsp-nocheck has an ASN.1 NULL value.
	return pkix.Extension{Id: oidOCSPNoCheck, Value: []byte{0x05, 0x00}}, nil
}
