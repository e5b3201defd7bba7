package model

import (
	"encoding/json"
	"time"
)

// Status values shared by ACME resources. Transitions are forward-only; a
// resource never moves back to an earlier status.
const (
	StatusValid       = "valid"
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
)

// ChallengeTypeHTTP01 is the only validation method currently offered.
const ChallengeTypeHTTP01 = "http-01"

// CertificateAuthority describes one issuing authority hosted by this server.
// The private key is not part of the model; it is held by the key provider.
type CertificateAuthority struct {
	Serial         string `json:"serial" db:"serial"` // hex serial, primary key
	Name           string `json:"name" db:"name"`
	CertificatePEM string `json:"-" db:"certificate_pem"`

	// URL data merged into issued certificates by the profile engine.
	CRLURLs       []string `json:"-" db:"crl_urls"`
	OCSPURL       string   `json:"-" db:"ocsp_url"`
	IssuerURL     string   `json:"-" db:"issuer_url"`
	IssuerAltName string   `json:"-" db:"issuer_alt_name"`

	// ACME behaviour.
	ACMEEnabled     bool   `json:"-" db:"acme_enabled"`
	RequiresContact bool   `json:"-" db:"requires_contact"`
	DefaultProfile  string `json:"-" db:"default_profile"`

	// Directory metadata (RFC 8555, section 7.1.1).
	Website        string `json:"-" db:"website"`
	TermsOfService string `json:"-" db:"terms_of_service"`
	CAAIdentity    string `json:"-" db:"caa_identity"`

	CreatedAt time.Time `json:"-" db:"created_at"`
}

// Account represents an ACME account registered with one CA. The pair
// (thumbprint, public key PEM) identifies the key; registering the same key
// twice yields the same account.
type Account struct {
	Slug         string    `json:"-" db:"slug"`
	CASerial     string    `json:"-" db:"ca_serial"`
	KID          string    `json:"-" db:"kid"` // full account URL, used as JWS "kid"
	Thumbprint   string    `json:"-" db:"thumbprint"`
	PublicKeyPEM string    `json:"-" db:"public_key_pem"`
	Contact      []string  `json:"contact,omitempty" db:"contact"`
	Status       string    `json:"status" db:"status"` // valid, deactivated
	TOSAgreed    bool      `json:"termsOfServiceAgreed" db:"tos_agreed"`
	OrdersURL    string    `json:"orders,omitempty" db:"-"`
	CreatedAt    time.Time `json:"-" db:"created_at"`
}

// Identifier is a single name requested in an order.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order represents a certificate order.
type Order struct {
	Slug              string           `json:"-" db:"slug"`
	AccountSlug       string           `json:"-" db:"account_slug"`
	Status            string           `json:"status" db:"status"`
	Expires           time.Time        `json:"expires" db:"expires_at"`
	Identifiers       []Identifier     `json:"identifiers" db:"-"`
	NotBefore         *time.Time       `json:"notBefore,omitempty" db:"not_before"`
	NotAfter          *time.Time       `json:"notAfter,omitempty" db:"not_after"`
	Error             *json.RawMessage `json:"error,omitempty" db:"error_json"`
	CertificateSerial string           `json:"-" db:"certificate_serial"`
	CreatedAt         time.Time        `json:"-" db:"created_at"`
}

// Authorization covers a single identifier of an order.
type Authorization struct {
	Slug        string     `json:"-" db:"slug"`
	OrderSlug   string     `json:"-" db:"order_slug"`
	AccountSlug string     `json:"-" db:"account_slug"`
	Identifier  Identifier `json:"identifier" db:"-"`
	Status      string     `json:"status" db:"status"`
	Expires     time.Time  `json:"expires" db:"expires_at"`
	Wildcard    bool       `json:"wildcard,omitempty" db:"wildcard"`
	CreatedAt   time.Time  `json:"-" db:"created_at"`
}

// Challenge proves control over the identifier of its authorization. It
// transitions to processing exactly once; repeated triggers are no-ops.
type Challenge struct {
	Slug              string           `json:"-" db:"slug"`
	AuthorizationSlug string           `json:"-" db:"authorization_slug"`
	Type              string           `json:"type" db:"type"`
	Status            string           `json:"status" db:"status"`
	Token             string           `json:"token" db:"token"`
	Validated         *time.Time       `json:"validated,omitempty" db:"validated_at"`
	Error             *json.RawMessage `json:"error,omitempty" db:"error_json"`
	CreatedAt         time.Time        `json:"-" db:"created_at"`
}

// CertificateRequest links an order to the CSR submitted at finalize time
// and, once issuance completes, to the signed certificate.
type CertificateRequest struct {
	Slug              string    `db:"slug"`
	OrderSlug         string    `db:"order_slug"`
	CSRPEM            string    `db:"csr_pem"`
	CertificateSerial string    `db:"certificate_serial"`
	CreatedAt         time.Time `db:"created_at"`
}

// CertificateData is the stored record of an issued certificate.
type CertificateData struct {
	SerialNumber     string    `db:"serial_number"` // hex, primary key
	CASerial         string    `db:"ca_serial"`
	CertificatePEM   string    `db:"certificate_pem"`
	ChainPEM         string    `db:"chain_pem"`
	AccountSlug      string    `db:"account_slug"`
	OrderSlug        string    `db:"order_slug"`
	IssuedAt         time.Time `db:"issued_at"`
	ExpiresAt        time.Time `db:"expires_at"`
	Revoked          bool      `db:"revoked"`
	RevokedAt        time.Time `db:"revoked_at"`
	RevocationReason int       `db:"revocation_reason"`
}

// Nonce is the stored replay-protection token. Key is the nonce value
// prefixed with the issuing CA serial; Uses is bumped atomically on
// consumption and only the transition to 1 validates.
type Nonce struct {
	Key       string    `db:"nonce_key"`
	Uses      int64     `db:"uses"`
	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`
}
