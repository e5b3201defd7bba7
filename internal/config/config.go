package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	ExternalURL  string // Base URL clients reach the ACME endpoints at (no trailing slash)
	HTTPAddress  string // The address to listen on for HTTP (http-01 challenges)
	HTTPSAddress string // The address to listen on for HTTPS
	HTTPSCert    string // Path to the HTTPS certificate file
	HTTPSKey     string // Path to the HTTPS private key file

	// CA bootstrap subject, used when no CA exists yet.
	Organization        string
	Country             string
	Province            string
	Locality            string
	CommonName          string
	CACertValidityYears int

	// Issuance behaviour.
	DefaultProfile       string // Profile used when the CA does not name one
	ProfileFile          string // Optional YAML file with additional profiles
	MaxValidityDays      int    // Upper bound on requested certificate lifetime
	OrderValidityHours   int    // Lifetime of pending orders and authorizations
	NonceValidityMinutes int    // Lifetime of unused nonces
	CRLValidityHours     int    // Validity period for generated CRLs
	IssuanceWorkers      int    // Worker goroutines in the job runner

	// URLs stamped into issued certificates when the CA record has none.
	CRLURL    string
	OCSPURL   string
	IssuerURL string

	StorageType string // "postgres" or "memory"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string
}

const (
	defaultExternalURL          = "https://localhost:8443"
	defaultHTTPAddress          = ":8080"
	defaultHTTPSAddress         = ":8443"
	defaultHTTPSCert            = "./data/https.crt"
	defaultHTTPSKey             = "./data/https.key"
	defaultOrganization         = "CertForge Authority"
	defaultCountry              = "US"
	defaultProvince             = "NC"
	defaultLocality             = "Raleigh"
	defaultCommonName           = "CertForge Root CA"
	defaultCACertValidityYears  = 10
	defaultProfile              = "webserver"
	defaultMaxValidityDays      = 90
	defaultOrderValidityHours   = 24
	defaultNonceValidityMinutes = 60
	defaultCRLValidityHours     = 24
	defaultIssuanceWorkers      = 2
	defaultStorageType          = "postgres"
	defaultDBHost               = "localhost"
	defaultDBUser               = "certforge"
	defaultDBPassword           = "password"
	defaultDBName               = "certforge"
	defaultDBPort               = 5432
	defaultDBSSLMode            = "disable"
)

// LoadConfig loads the configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:          getEnv("CERTFORGE_EXTERNAL_URL", defaultExternalURL),
		HTTPAddress:          getEnv("CERTFORGE_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress:         getEnv("CERTFORGE_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPSCert:            getEnv("CERTFORGE_HTTPS_CERT_FILE", defaultHTTPSCert),
		HTTPSKey:             getEnv("CERTFORGE_HTTPS_KEY_FILE", defaultHTTPSKey),
		Organization:         getEnv("CERTFORGE_ORGANIZATION", defaultOrganization),
		Country:              getEnv("CERTFORGE_COUNTRY", defaultCountry),
		Province:             getEnv("CERTFORGE_PROVINCE", defaultProvince),
		Locality:             getEnv("CERTFORGE_LOCALITY", defaultLocality),
		CommonName:           getEnv("CERTFORGE_COMMON_NAME", defaultCommonName),
		CACertValidityYears:  getEnvAsInt("CERTFORGE_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		DefaultProfile:       getEnv("CERTFORGE_DEFAULT_PROFILE", defaultProfile),
		ProfileFile:          getEnv("CERTFORGE_PROFILE_FILE", ""),
		MaxValidityDays:      getEnvAsInt("CERTFORGE_ACME_MAX_VALIDITY_DAYS", defaultMaxValidityDays),
		OrderValidityHours:   getEnvAsInt("CERTFORGE_ORDER_VALIDITY_HOURS", defaultOrderValidityHours),
		NonceValidityMinutes: getEnvAsInt("CERTFORGE_NONCE_VALIDITY_MINUTES", defaultNonceValidityMinutes),
		CRLValidityHours:     getEnvAsInt("CERTFORGE_CRL_VALIDITY_HOURS", defaultCRLValidityHours),
		IssuanceWorkers:      getEnvAsInt("CERTFORGE_ISSUANCE_WORKERS", defaultIssuanceWorkers),
		CRLURL:               getEnv("CERTFORGE_CRL_URL", ""),
		OCSPURL:              getEnv("CERTFORGE_OCSP_URL", ""),
		IssuerURL:            getEnv("CERTFORGE_ISSUER_URL", ""),
		StorageType:          getEnv("CERTFORGE_STORAGE_TYPE", defaultStorageType),
		DBHost:               getEnv("CERTFORGE_DB_HOST", defaultDBHost),
		DBUser:               getEnv("CERTFORGE_DB_USER", defaultDBUser),
		DBPassword:           getEnv("CERTFORGE_DB_PASSWORD", defaultDBPassword),
		DBName:               getEnv("CERTFORGE_DB_NAME", defaultDBName),
		DBPort:               getEnvAsInt("CERTFORGE_DB_PORT", defaultDBPort),
		DBSSLMode:            getEnv("CERTFORGE_DB_SSLMODE", defaultDBSSLMode),
		DBCert:               getEnv("CERTFORGE_DB_CERT", ""),
		DBKey:                getEnv("CERTFORGE_DB_KEY", ""),
		DBRootCert:           getEnv("CERTFORGE_DB_ROOTCERT", ""),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
