package profile_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/internal/profile"
)

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ski, err := profile.ComputeSubjectKeyID(key.Public())
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Issuing CA", Organization: []string{"CertForge Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func leafKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func getProfile(t *testing.T, name string) *profile.Profile {
	t.Helper()
	p, ok := profile.NewRegistry().Get(name)
	require.True(t, ok)
	return p
}

func TestExtensionSetApply(t *testing.T) {
	base := profile.ExtensionSet{
		profile.KeyKeyUsage:    profile.KeyUsage{Usages: []string{"digitalSignature"}, Crit: true},
		profile.KeyExtKeyUsage: profile.ExtKeyUsage{Usages: []string{"serverAuth"}},
	}

	merged := base.Copy()
	merged.Apply(profile.ExtensionSet{
		profile.KeyKeyUsage:    profile.KeyUsage{Usages: []string{"keyCertSign"}},
		profile.KeyExtKeyUsage: nil,
	})

	// Overrides replace wholesale, nil deletes.
	ku, ok := merged[profile.KeyKeyUsage].(profile.KeyUsage)
	require.True(t, ok)
	assert.Equal(t, []string{"keyCertSign"}, ku.Usages)
	assert.False(t, ku.Crit)
	assert.NotContains(t, merged, profile.KeyExtKeyUsage)

	// Applying the same overrides again changes nothing.
	again := merged.Copy()
	again.Apply(profile.ExtensionSet{
		profile.KeyKeyUsage:    profile.KeyUsage{Usages: []string{"keyCertSign"}},
		profile.KeyExtKeyUsage: nil,
	})
	assert.Equal(t, merged, again)

	// The base set was not touched.
	assert.Contains(t, base, profile.KeyExtKeyUsage)
	assert.Equal(t, []string{"digitalSignature"}, base[profile.KeyKeyUsage].(profile.KeyUsage).Usages)
}

func TestCreateCertificateWebserver(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	caInfo := profile.CAInfo{
		Certificate: caCert,
		CRLURLs:     []string{"https://ca.test/crl/1"},
		OCSPURL:     "https://ca.test/ocsp",
		IssuerURL:   "https://ca.test/issuer.crt",
	}
	req := profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		Extensions: profile.ExtensionSet{
			profile.KeySubjectAltName: profile.SubjectAltName{Names: []profile.GeneralName{
				{Type: "dns", Value: "example.com"},
				{Type: "dns", Value: "www.example.com"},
			}},
		},
	}

	cert, err := p.CreateCertificate(req, caInfo, caKey)
	require.NoError(t, err)

	assert.Equal(t, "example.com", cert.Subject.CommonName)
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, cert.DNSNames)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyAgreement|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.False(t, cert.IsCA)

	// CA augmentation.
	assert.Equal(t, []string{"https://ca.test/crl/1"}, cert.CRLDistributionPoints)
	assert.Equal(t, []string{"https://ca.test/ocsp"}, cert.OCSPServer)
	assert.Equal(t, []string{"https://ca.test/issuer.crt"}, cert.IssuingCertificateURL)
	assert.Equal(t, caCert.SubjectKeyId, cert.AuthorityKeyId)

	wantSKI, err := profile.ComputeSubjectKeyID(key.Public())
	require.NoError(t, err)
	assert.Equal(t, wantSKI, cert.SubjectKeyId)

	assert.Equal(t, caCert.Subject.CommonName, cert.Issuer.CommonName)
	require.NoError(t, cert.CheckSignatureFrom(caCert))
}

func TestCreateCertificateAppendsCAURLsIntoExistingExtensions(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	caInfo := profile.CAInfo{
		Certificate: caCert,
		CRLURLs:     []string{"https://ca.test/crl/1"},
		OCSPURL:     "https://ca.test/ocsp",
		IssuerURL:   "https://ca.test/issuer.crt",
	}
	req := profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		Extensions: profile.ExtensionSet{
			profile.KeyCRLDistPoints: profile.CRLDistributionPoints{URLs: []string{"https://override.test/crl"}},
			profile.KeyAuthorityInfo: profile.AuthorityInfoAccess{Issuers: []string{"https://override.test/issuer.crt"}},
		},
	}

	cert, err := p.CreateCertificate(req, caInfo, caKey)
	require.NoError(t, err)

	// The CA's URLs join the override's, never replace them.
	assert.Equal(t, []string{"https://override.test/crl", "https://ca.test/crl/1"}, cert.CRLDistributionPoints)
	assert.Equal(t, []string{"https://ca.test/ocsp"}, cert.OCSPServer)
	assert.Equal(t, []string{"https://override.test/issuer.crt", "https://ca.test/issuer.crt"}, cert.IssuingCertificateURL)
}

func TestCreateCertificateCAURLAppendDeduplicates(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	caInfo := profile.CAInfo{
		Certificate: caCert,
		CRLURLs:     []string{"https://ca.test/crl/1"},
	}
	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		Extensions: profile.ExtensionSet{
			profile.KeyCRLDistPoints: profile.CRLDistributionPoints{URLs: []string{"https://ca.test/crl/1"}},
		},
	}, caInfo, caKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ca.test/crl/1"}, cert.CRLDistributionPoints)
}

func TestCreateCertificateCNMirroredIntoSAN(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "solo.example.com",
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)

	assert.Equal(t, "solo.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"solo.example.com"}, cert.DNSNames)
}

func TestCreateCertificateCNAdoptsFirstSAN(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		Extensions: profile.ExtensionSet{
			profile.KeySubjectAltName: profile.SubjectAltName{Names: []profile.GeneralName{
				{Type: "dns", Value: "first.example.com"},
				{Type: "dns", Value: "second.example.com"},
				{Type: "dns", Value: "first.example.com"},
			}},
		},
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)

	assert.Equal(t, "first.example.com", cert.Subject.CommonName)
	// Duplicates are removed, order preserved.
	assert.Equal(t, []string{"first.example.com", "second.example.com"}, cert.DNSNames)
}

func TestCreateCertificateCNAdoptionIgnoresCNInSAN(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "ocsp")
	require.False(t, p.CNInSAN)

	// An empty CommonName adopts the first SAN even without CNInSAN.
	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		Extensions: profile.ExtensionSet{
			profile.KeySubjectAltName: profile.SubjectAltName{Names: []profile.GeneralName{
				{Type: "dns", Value: "adopted.example.com"},
			}},
		},
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)
	assert.Equal(t, "adopted.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"adopted.example.com"}, cert.DNSNames)

	// A set CommonName is still not mirrored into the SAN set.
	cert, err = p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "responder.example.com",
		Extensions: profile.ExtensionSet{
			profile.KeySubjectAltName: profile.SubjectAltName{Names: []profile.GeneralName{
				{Type: "dns", Value: "other.example.com"},
			}},
		},
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)
	assert.Equal(t, "responder.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"other.example.com"}, cert.DNSNames)
}

func TestCreateCertificateNoNames(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	_, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
	}, profile.CAInfo{Certificate: caCert}, caKey)
	assert.ErrorIs(t, err, profile.ErrNoNames)
}

func TestCreateCertificateOverrideDeletes(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		Extensions: profile.ExtensionSet{
			profile.KeyExtKeyUsage: nil,
		},
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)
	assert.Empty(t, cert.ExtKeyUsage)
}

func TestCreateCertificatePolicyVeto(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	veto := func(template *x509.Certificate, sans []profile.GeneralName) error {
		return &profile.PolicyError{Policy: "test-veto", Reason: "not today"}
	}
	_, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		Policies:  []profile.PolicyCheck{veto},
	}, profile.CAInfo{Certificate: caCert}, caKey)

	var policyErr *profile.PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, "test-veto", policyErr.Policy)
}

func TestCreateCertificateValidityOverride(t *testing.T) {
	caKey, caCert := newTestCA(t)
	key := leafKey(t)
	p := getProfile(t, "webserver")

	notBefore := time.Now().Add(time.Hour).Truncate(time.Second)
	notAfter := notBefore.Add(10 * 24 * time.Hour)
	cert, err := p.CreateCertificate(profile.SignRequest{
		PublicKey: key.Public(),
		SubjectCN: "example.com",
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}, profile.CAInfo{Certificate: caCert}, caKey)
	require.NoError(t, err)

	assert.WithinDuration(t, notBefore, cert.NotBefore, time.Second)
	assert.WithinDuration(t, notAfter, cert.NotAfter, time.Second)
}

func TestParseGeneralName(t *testing.T) {
	cases := map[string]profile.GeneralName{
		"example.com":             {Type: "dns", Value: "example.com"},
		"192.0.2.7":               {Type: "ip", Value: "192.0.2.7"},
		"2001:db8::1":             {Type: "ip", Value: "2001:db8::1"},
		"https://ca.test/issuer":  {Type: "uri", Value: "https://ca.test/issuer"},
		"hostmaster@example.com":  {Type: "email", Value: "hostmaster@example.com"},
		"internal.service.local.": {Type: "dns", Value: "internal.service.local."},
	}
	for input, want := range cases {
		assert.Equal(t, want, profile.ParseGeneralName(input), "input %q", input)
	}
}

func TestRegistryBuiltins(t *testing.T) {
	r := profile.NewRegistry()
	assert.Equal(t, []string{"client", "ocsp", "webserver"}, r.Names())

	ocsp, ok := r.Get("ocsp")
	require.True(t, ok)
	assert.False(t, ocsp.CNInSAN)
	assert.Contains(t, ocsp.Extensions, profile.KeyOCSPNoCheck)
}

func TestRegistryLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	content := `
profiles:
  mail:
    subject:
      o: Example Corp
      c: DE
    algorithm: SHA-384
    validity_days: 30
    cn_in_san: false
    add_crl_urls: true
    extensions:
      basic_constraints:
        critical: true
        ca: false
      key_usage:
        critical: true
        usages: [digitalSignature, keyEncipherment]
      extended_key_usage:
        usages: [emailProtection]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r := profile.NewRegistry()
	require.NoError(t, r.LoadFile(path))

	p, ok := r.Get("mail")
	require.True(t, ok)
	assert.Equal(t, []string{"Example Corp"}, p.Subject.Organization)
	assert.Equal(t, []string{"DE"}, p.Subject.Country)
	assert.Equal(t, 30*24*time.Hour, p.Validity)
	assert.False(t, p.CNInSAN)
	assert.True(t, p.AddCRLURLs)
	assert.Contains(t, p.Extensions, profile.KeyKeyUsage)

	// Loaded profiles join the builtins.
	assert.Equal(t, []string{"client", "mail", "ocsp", "webserver"}, r.Names())
}

func TestRegistryLoadFileUnknownAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  bad:\n    algorithm: MD5\n"), 0o600))

	r := profile.NewRegistry()
	assert.Error(t, r.LoadFile(path))
}
