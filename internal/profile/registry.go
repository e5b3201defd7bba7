package profile

import (
	"crypto"
	"crypto/x509/pkix"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds the named profiles available for issuance. It is seeded
// with the built-in profiles and can be extended from a YAML file.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*Profile)}
	for _, p := range builtinProfiles() {
		r.profiles[p.Name] = p
	}
	return r
}

// Get returns the named profile.
func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Add registers a profile, replacing any existing profile of the same name.
func (r *Registry) Add(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Names lists the registered profile names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- YAML file loading ---

type profileFile struct {
	Profiles map[string]profileConfig `yaml:"profiles"`
}

type profileConfig struct {
	Subject          map[string]string `yaml:"subject"`
	Algorithm        string            `yaml:"algorithm"`
	ValidityDays     int               `yaml:"validity_days"`
	CNInSAN          *bool             `yaml:"cn_in_san"`
	AddCRLURLs       bool              `yaml:"add_crl_urls"`
	AddOCSPURL       bool              `yaml:"add_ocsp_url"`
	AddIssuerURL     bool              `yaml:"add_issuer_url"`
	AddIssuerAltName bool              `yaml:"add_issuer_alt_name"`
	Extensions       extensionsConfig  `yaml:"extensions"`
}

type extensionsConfig struct {
	BasicConstraints *basicConstraintsConfig `yaml:"basic_constraints"`
	KeyUsage         *usagesConfig           `yaml:"key_usage"`
	ExtendedKeyUsage *usagesConfig           `yaml:"extended_key_usage"`
	OCSPNoCheck      bool                    `yaml:"ocsp_no_check"`
}

type basicConstraintsConfig struct {
	Critical bool `yaml:"critical"`
	CA       bool `yaml:"ca"`
	PathLen  *int `yaml:"path_len"`
}

type usagesConfig struct {
	Critical bool     `yaml:"critical"`
	Usages   []string `yaml:"usages"`
}

// LoadFile merges profiles from a YAML file into the registry. File profiles
// replace built-in profiles of the same name.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("profile: failed to read profile file: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("profile: failed to parse profile file: %w", err)
	}

	for name, cfg := range file.Profiles {
		p, err := buildProfile(name, cfg)
		if err != nil {
			return err
		}
		r.Add(p)
		logger.Info("Loaded profile from file", zap.String("profile", name), zap.String("file", path))
	}
	return nil
}

func buildProfile(name string, cfg profileConfig) (*Profile, error) {
	algorithm := crypto.SHA256
	switch cfg.Algorithm {
	case "", "SHA-256":
	case "SHA-384":
		algorithm = crypto.SHA384
	case "SHA-512":
		algorithm = crypto.SHA512
	default:
		return nil, fmt.Errorf("profile: unknown algorithm %q in profile %q", cfg.Algorithm, name)
	}

	validityDays := cfg.ValidityDays
	if validityDays <= 0 {
		validityDays = 365
	}

	cnInSAN := true
	if cfg.CNInSAN != nil {
		cnInSAN = *cfg.CNInSAN
	}

	exts := make(ExtensionSet)
	if bc := cfg.Extensions.BasicConstraints; bc != nil {
		v := BasicConstraints{IsCA: bc.CA, Crit: bc.Critical}
		if bc.PathLen != nil {
			pl := *bc.PathLen
			v.PathLen = &pl
		}
		exts[KeyBasicConstraints] = v
	}
	if ku := cfg.Extensions.KeyUsage; ku != nil {
		exts[KeyKeyUsage] = KeyUsage{Usages: ku.Usages, Crit: ku.Critical}
	}
	if eku := cfg.Extensions.ExtendedKeyUsage; eku != nil {
		exts[KeyExtKeyUsage] = ExtKeyUsage{Usages: eku.Usages, Crit: eku.Critical}
	}
	if cfg.Extensions.OCSPNoCheck {
		exts[KeyOCSPNoCheck] = OCSPNoCheck{}
	}

	return &Profile{
		Name:             name,
		Subject:          subjectFromConfig(cfg.Subject),
		Algorithm:        algorithm,
		Validity:         time.Duration(validityDays) * 24 * time.Hour,
		Extensions:       exts,
		CNInSAN:          cnInSAN,
		AddCRLURLs:       cfg.AddCRLURLs,
		AddOCSPURL:       cfg.AddOCSPURL,
		AddIssuerURL:     cfg.AddIssuerURL,
		AddIssuerAltName: cfg.AddIssuerAltName,
	}, nil
}

func subjectFromConfig(fields map[string]string) pkix.Name {
	subject := pkix.Name{}
	for key, value := range fields {
		if value == "" {
			continue
		}
		switch key {
		case "cn", "common_name":
			subject.CommonName = value
		case "o", "organization":
			subject.Organization = []string{value}
		case "ou", "organizational_unit":
			subject.OrganizationalUnit = []string{value}
		case "c", "country":
			subject.Country = []string{value}
		case "st", "state", "province":
			subject.Province = []string{value}
		case "l", "locality":
			subject.Locality = []string{value}
		}
	}
	return subject
}

// builtinProfiles returns the default profiles: a TLS server profile, a TLS
// client profile and an OCSP responder signing profile.
func builtinProfiles() []*Profile {
	return []*Profile{
		{
			Name:      "webserver",
			Algorithm: crypto.SHA256,
			Validity:  365 * 24 * time.Hour,
			CNInSAN:   true,
			Extensions: ExtensionSet{
				KeyBasicConstraints: BasicConstraints{IsCA: false, Crit: true},
				KeyKeyUsage:         KeyUsage{Usages: []string{"digitalSignature", "keyAgreement", "keyEncipherment"}, Crit: true},
				KeyExtKeyUsage:      ExtKeyUsage{Usages: []string{"serverAuth"}},
			},
			AddCRLURLs:   true,
			AddOCSPURL:   true,
			AddIssuerURL: true,
		},
		{
			Name:      "client",
			Algorithm: crypto.SHA256,
			Validity:  365 * 24 * time.Hour,
			CNInSAN:   true,
			Extensions: ExtensionSet{
				KeyBasicConstraints: BasicConstraints{IsCA: false, Crit: true},
				KeyKeyUsage:         KeyUsage{Usages: []string{"digitalSignature"}, Crit: true},
				KeyExtKeyUsage:      ExtKeyUsage{Usages: []string{"clientAuth"}},
			},
			AddCRLURLs:   true,
			AddOCSPURL:   true,
			AddIssuerURL: true,
		},
		{
			Name:      "ocsp",
			Algorithm: crypto.SHA256,
			Validity:  90 * 24 * time.Hour,
			CNInSAN:   false,
			Extensions: ExtensionSet{
				KeyBasicConstraints: BasicConstraints{IsCA: false, Crit: true},
				KeyKeyUsage:         KeyUsage{Usages: []string{"digitalSignature"}, Crit: true},
				KeyExtKeyUsage:      ExtKeyUsage{Usages: []string{"OCSPSigning"}},
				KeyOCSPNoCheck:      OCSPNoCheck{},
			},
			// OCSP responder certificates must not point back at the OCSP
			// responder for their own status.
			AddCRLURLs: true,
		},
	}
}
