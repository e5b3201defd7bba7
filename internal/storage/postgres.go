package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/model"
)

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures the schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS certificate_authorities ( serial TEXT PRIMARY KEY, name TEXT NOT NULL, certificate_pem TEXT NOT NULL, crl_urls TEXT[], ocsp_url TEXT, issuer_url TEXT, issuer_alt_name TEXT, acme_enabled BOOLEAN NOT NULL DEFAULT true, requires_contact BOOLEAN NOT NULL DEFAULT false, default_profile TEXT, website TEXT, terms_of_service TEXT, caa_identity TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS ca_keys ( ca_serial TEXT PRIMARY KEY, key_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS crls ( id SERIAL PRIMARY KEY, ca_serial TEXT NOT NULL, crl_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE INDEX IF NOT EXISTS idx_crls_ca_serial ON crls (ca_serial, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( nonce_key TEXT PRIMARY KEY, uses BIGINT NOT NULL DEFAULT 0, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( slug TEXT PRIMARY KEY, ca_serial TEXT NOT NULL, kid TEXT NOT NULL, thumbprint TEXT NOT NULL, public_key_pem TEXT NOT NULL, contact TEXT[], status TEXT NOT NULL, tos_agreed BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_acme_accounts_kid ON acme_accounts (ca_serial, kid);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_accounts_thumbprint ON acme_accounts (ca_serial, thumbprint);`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( slug TEXT PRIMARY KEY, account_slug TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, error_json JSONB, certificate_serial TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_slug ON acme_orders (account_slug);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( slug TEXT PRIMARY KEY, order_slug TEXT NOT NULL, account_slug TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_slug ON acme_authorizations (order_slug);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( slug TEXT PRIMARY KEY, authorization_slug TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL UNIQUE, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_slug ON acme_challenges (authorization_slug);`,
		`CREATE TABLE IF NOT EXISTS certificate_requests ( slug TEXT PRIMARY KEY, order_slug TEXT NOT NULL UNIQUE, csr_pem TEXT NOT NULL, certificate_serial TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, ca_serial TEXT NOT NULL, certificate_pem TEXT NOT NULL, chain_pem TEXT, account_slug TEXT NOT NULL, order_slug TEXT NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_account_slug ON certificates_data (account_slug);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_revoked ON certificates_data (ca_serial, revoked);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Certificate authorities ---

func (s *PostgreSQLStorage) SaveCA(ctx context.Context, ca *model.CertificateAuthority) error {
	if ca.CreatedAt.IsZero() {
		ca.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO certificate_authorities
            (serial, name, certificate_pem, crl_urls, ocsp_url, issuer_url, issuer_alt_name, acme_enabled, requires_contact, default_profile, website, terms_of_service, caa_identity, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (serial) DO UPDATE SET
            name = EXCLUDED.name, certificate_pem = EXCLUDED.certificate_pem, crl_urls = EXCLUDED.crl_urls,
            ocsp_url = EXCLUDED.ocsp_url, issuer_url = EXCLUDED.issuer_url, issuer_alt_name = EXCLUDED.issuer_alt_name,
            acme_enabled = EXCLUDED.acme_enabled, requires_contact = EXCLUDED.requires_contact,
            default_profile = EXCLUDED.default_profile, website = EXCLUDED.website,
            terms_of_service = EXCLUDED.terms_of_service, caa_identity = EXCLUDED.caa_identity`
	_, err := s.db.ExecContext(ctx, query, ca.Serial, ca.Name, ca.CertificatePEM, pq.Array(ca.CRLURLs),
		ca.OCSPURL, ca.IssuerURL, ca.IssuerAltName, ca.ACMEEnabled, ca.RequiresContact,
		ca.DefaultProfile, ca.Website, ca.TermsOfService, ca.CAAIdentity, ca.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA '%s': %w", ca.Serial, err)
	}
	logger.Debug("CA saved", zap.String("serial", ca.Serial))
	return nil
}

func scanCA(row interface{ Scan(...interface{}) error }) (*model.CertificateAuthority, error) {
	var ca model.CertificateAuthority
	var crlURLs pq.StringArray
	err := row.Scan(&ca.Serial, &ca.Name, &ca.CertificatePEM, &crlURLs, &ca.OCSPURL, &ca.IssuerURL,
		&ca.IssuerAltName, &ca.ACMEEnabled, &ca.RequiresContact, &ca.DefaultProfile,
		&ca.Website, &ca.TermsOfService, &ca.CAAIdentity, &ca.CreatedAt)
	if err != nil {
		return nil, err
	}
	ca.CRLURLs = []string(crlURLs)
	return &ca, nil
}

const caColumns = `serial, name, certificate_pem, crl_urls, ocsp_url, issuer_url, issuer_alt_name, acme_enabled, requires_contact, default_profile, website, terms_of_service, caa_identity, created_at`

func (s *PostgreSQLStorage) GetCA(ctx context.Context, serial string) (*model.CertificateAuthority, error) {
	query := `SELECT ` + caColumns + ` FROM certificate_authorities WHERE serial = $1`
	ca, err := scanCA(s.db.QueryRowContext(ctx, query, serial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get CA '%s': %w", serial, err)
	}
	return ca, nil
}

func (s *PostgreSQLStorage) ListCAs(ctx context.Context) ([]*model.CertificateAuthority, error) {
	query := `SELECT ` + caColumns + ` FROM certificate_authorities ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list CAs: %w", err)
	}
	defer rows.Close()
	cas := make([]*model.CertificateAuthority, 0)
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan CA row: %w", err)
		}
		cas = append(cas, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating CA rows: %w", err)
	}
	return cas, nil
}

func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, caSerial string, keyBytes []byte) error {
	query := `INSERT INTO ca_keys (ca_serial, key_data) VALUES ($1, $2) ON CONFLICT (ca_serial) DO UPDATE SET key_data = EXCLUDED.key_data`
	if _, err := s.db.ExecContext(ctx, query, caSerial, keyBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	logger.Debug("CA private key saved", zap.String("ca_serial", caSerial))
	return nil
}

func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context, caSerial string) ([]byte, error) {
	query := `SELECT key_data FROM ca_keys WHERE ca_serial = $1`
	var keyBytes []byte
	err := s.db.QueryRowContext(ctx, query, caSerial).Scan(&keyBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get CA private key: %w", err)
	}
	return keyBytes, nil
}

func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, caSerial string, crlBytes []byte) error {
	query := `INSERT INTO crls (ca_serial, crl_data, created_at) VALUES ($1, $2, NOW())`
	if _, err := s.db.ExecContext(ctx, query, caSerial, crlBytes); err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	logger.Debug("CRL saved", zap.String("ca_serial", caSerial))
	return nil
}

func (s *PostgreSQLStorage) GetLatestCRL(ctx context.Context, caSerial string) ([]byte, error) {
	query := `SELECT crl_data FROM crls WHERE ca_serial = $1 ORDER BY created_at DESC LIMIT 1`
	var crlBytes []byte
	err := s.db.QueryRowContext(ctx, query, caSerial).Scan(&crlBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get latest CRL: %w", err)
	}
	return crlBytes, nil
}

// --- Nonces ---

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (nonce_key, uses, issued_at, expires_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, nonce.Key, nonce.Uses, nonce.IssuedAt, nonce.ExpiresAt); err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

// IncrementNonceUse is the single cross-process race-sensitive operation;
// the UPDATE ... RETURNING makes the counter bump atomic.
func (s *PostgreSQLStorage) IncrementNonceUse(ctx context.Context, key string) (int64, error) {
	query := `UPDATE acme_nonces SET uses = uses + 1 WHERE nonce_key = $1 AND expires_at > NOW() RETURNING uses`
	var uses int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&uses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: failed to increment nonce use: %w", err)
	}
	return uses, nil
}

func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	query := `DELETE FROM acme_nonces WHERE expires_at <= NOW()`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Accounts ---

const accountColumns = `slug, ca_serial, kid, thumbprint, public_key_pem, contact, status, tos_agreed, created_at`

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO acme_accounts (slug, ca_serial, kid, thumbprint, public_key_pem, contact, status, tos_agreed, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (slug) DO UPDATE SET
            contact = EXCLUDED.contact, status = EXCLUDED.status, tos_agreed = EXCLUDED.tos_agreed`
	_, err := s.db.ExecContext(ctx, query, acc.Slug, acc.CASerial, acc.KID, acc.Thumbprint,
		acc.PublicKeyPEM, pq.Array(acc.Contact), acc.Status, acc.TOSAgreed, acc.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.Slug, err)
	}
	logger.Debug("Account saved", zap.String("slug", acc.Slug))
	return nil
}

func scanAccount(row interface{ Scan(...interface{}) error }) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	err := row.Scan(&acc.Slug, &acc.CASerial, &acc.KID, &acc.Thumbprint, &acc.PublicKeyPEM,
		&contacts, &acc.Status, &acc.TOSAgreed, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Contact = []string(contacts)
	return &acc, nil
}

func (s *PostgreSQLStorage) GetAccount(ctx context.Context, slug string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE slug = $1`
	acc, err := scanAccount(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get account '%s': %w", slug, err)
	}
	return acc, nil
}

func (s *PostgreSQLStorage) GetAccountByKID(ctx context.Context, caSerial, kid string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE ca_serial = $1 AND kid = $2`
	acc, err := scanAccount(s.db.QueryRowContext(ctx, query, caSerial, kid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get account by kid: %w", err)
	}
	return acc, nil
}

func (s *PostgreSQLStorage) GetAccountByKey(ctx context.Context, caSerial, thumbprint string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE ca_serial = $1 AND thumbprint = $2 ORDER BY created_at LIMIT 1`
	acc, err := scanAccount(s.db.QueryRowContext(ctx, query, caSerial, thumbprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get account by key: %w", err)
	}
	return acc, nil
}

// --- Orders ---

const orderColumns = `slug, account_slug, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, created_at`

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	identifiersJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal order identifiers: %w", err)
	}
	var errorJSON interface{}
	if order.Error != nil {
		errorJSON = []byte(*order.Error)
	}
	var certSerial sql.NullString
	if order.CertificateSerial != "" {
		certSerial = sql.NullString{String: order.CertificateSerial, Valid: true}
	}
	query := `
        INSERT INTO acme_orders (slug, account_slug, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (slug) DO UPDATE SET
            status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, error_json = EXCLUDED.error_json,
            certificate_serial = EXCLUDED.certificate_serial`
	_, err = s.db.ExecContext(ctx, query, order.Slug, order.AccountSlug, order.Status, order.Expires,
		identifiersJSON, order.NotBefore, order.NotAfter, errorJSON, certSerial, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order '%s': %w", order.Slug, err)
	}
	logger.Debug("Order saved", zap.String("slug", order.Slug), zap.String("status", order.Status))
	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*model.Order, error) {
	var order model.Order
	var identifiersJSON []byte
	var errorJSON []byte
	var certSerial sql.NullString
	err := row.Scan(&order.Slug, &order.AccountSlug, &order.Status, &order.Expires, &identifiersJSON,
		&order.NotBefore, &order.NotAfter, &errorJSON, &certSerial, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(identifiersJSON, &order.Identifiers); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal order identifiers: %w", err)
	}
	if len(errorJSON) > 0 {
		raw := json.RawMessage(errorJSON)
		order.Error = &raw
	}
	if certSerial.Valid {
		order.CertificateSerial = certSerial.String
	}
	return &order, nil
}

func (s *PostgreSQLStorage) GetOrder(ctx context.Context, slug string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE slug = $1`
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", slug, err)
	}
	return order, nil
}

func (s *PostgreSQLStorage) GetOrdersByAccountSlug(ctx context.Context, accountSlug string) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE account_slug = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, accountSlug)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders for account '%s': %w", accountSlug, err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

// --- Authorizations ---

const authzColumns = `slug, order_slug, account_slug, identifier_json, status, expires_at, wildcard, created_at`

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	identifierJSON, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authorization identifier: %w", err)
	}
	query := `
        INSERT INTO acme_authorizations (slug, order_slug, account_slug, identifier_json, status, expires_at, wildcard, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (slug) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`
	_, err = s.db.ExecContext(ctx, query, authz.Slug, authz.OrderSlug, authz.AccountSlug,
		identifierJSON, authz.Status, authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.Slug, err)
	}
	logger.Debug("Authorization saved", zap.String("slug", authz.Slug), zap.String("status", authz.Status))
	return nil
}

func scanAuthorization(row interface{ Scan(...interface{}) error }) (*model.Authorization, error) {
	var authz model.Authorization
	var identifierJSON []byte
	err := row.Scan(&authz.Slug, &authz.OrderSlug, &authz.AccountSlug, &identifierJSON,
		&authz.Status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(identifierJSON, &authz.Identifier); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal authorization identifier: %w", err)
	}
	return &authz, nil
}

func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, slug string) (*model.Authorization, error) {
	query := `SELECT ` + authzColumns + ` FROM acme_authorizations WHERE slug = $1`
	authz, err := scanAuthorization(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", slug, err)
	}
	return authz, nil
}

func (s *PostgreSQLStorage) GetAuthorizationsByOrderSlug(ctx context.Context, orderSlug string) ([]*model.Authorization, error) {
	query := `SELECT ` + authzColumns + ` FROM acme_authorizations WHERE order_slug = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, orderSlug)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderSlug, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, authz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

// --- Challenges ---

const challengeColumns = `slug, authorization_slug, type, status, token, validated_at, error_json, created_at`

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	var errorJSON interface{}
	if chal.Error != nil {
		errorJSON = []byte(*chal.Error)
	}
	query := `
        INSERT INTO acme_challenges (slug, authorization_slug, type, status, token, validated_at, error_json, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (slug) DO UPDATE SET
            status = EXCLUDED.status, validated_at = EXCLUDED.validated_at, error_json = EXCLUDED.error_json`
	_, err := s.db.ExecContext(ctx, query, chal.Slug, chal.AuthorizationSlug, chal.Type,
		chal.Status, chal.Token, chal.Validated, errorJSON, chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.Slug, err)
	}
	logger.Debug("Challenge saved", zap.String("slug", chal.Slug), zap.String("status", chal.Status))
	return nil
}

func scanChallenge(row interface{ Scan(...interface{}) error }) (*model.Challenge, error) {
	var chal model.Challenge
	var errorJSON []byte
	err := row.Scan(&chal.Slug, &chal.AuthorizationSlug, &chal.Type, &chal.Status, &chal.Token,
		&chal.Validated, &errorJSON, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(errorJSON) > 0 {
		raw := json.RawMessage(errorJSON)
		chal.Error = &raw
	}
	return &chal, nil
}

func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, slug string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE slug = $1`
	chal, err := scanChallenge(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", slug, err)
	}
	return chal, nil
}

func (s *PostgreSQLStorage) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE token = $1`
	chal, err := scanChallenge(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get challenge by token: %w", err)
	}
	return chal, nil
}

func (s *PostgreSQLStorage) GetChallengesByAuthorizationSlug(ctx context.Context, authzSlug string) ([]*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE authorization_slug = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, authzSlug)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges for authorization '%s': %w", authzSlug, err)
	}
	defer rows.Close()
	chals := make([]*model.Challenge, 0)
	for rows.Next() {
		chal, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		chals = append(chals, chal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return chals, nil
}

// --- Certificate requests ---

func (s *PostgreSQLStorage) SaveCertificateRequest(ctx context.Context, req *model.CertificateRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	var certSerial sql.NullString
	if req.CertificateSerial != "" {
		certSerial = sql.NullString{String: req.CertificateSerial, Valid: true}
	}
	query := `
        INSERT INTO certificate_requests (slug, order_slug, csr_pem, certificate_serial, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (slug) DO UPDATE SET certificate_serial = EXCLUDED.certificate_serial`
	_, err := s.db.ExecContext(ctx, query, req.Slug, req.OrderSlug, req.CSRPEM, certSerial, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate request '%s': %w", req.Slug, err)
	}
	return nil
}

func scanCertificateRequest(row interface{ Scan(...interface{}) error }) (*model.CertificateRequest, error) {
	var req model.CertificateRequest
	var certSerial sql.NullString
	err := row.Scan(&req.Slug, &req.OrderSlug, &req.CSRPEM, &certSerial, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	if certSerial.Valid {
		req.CertificateSerial = certSerial.String
	}
	return &req, nil
}

func (s *PostgreSQLStorage) GetCertificateRequest(ctx context.Context, slug string) (*model.CertificateRequest, error) {
	query := `SELECT slug, order_slug, csr_pem, certificate_serial, created_at FROM certificate_requests WHERE slug = $1`
	req, err := scanCertificateRequest(s.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get certificate request '%s': %w", slug, err)
	}
	return req, nil
}

func (s *PostgreSQLStorage) GetCertificateRequestByOrderSlug(ctx context.Context, orderSlug string) (*model.CertificateRequest, error) {
	query := `SELECT slug, order_slug, csr_pem, certificate_serial, created_at FROM certificate_requests WHERE order_slug = $1`
	req, err := scanCertificateRequest(s.db.QueryRowContext(ctx, query, orderSlug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get certificate request for order '%s': %w", orderSlug, err)
	}
	return req, nil
}

// --- Issued certificates ---

const certDataColumns = `serial_number, ca_serial, certificate_pem, chain_pem, account_slug, order_slug, issued_at, expires_at, revoked, revoked_at, revocation_reason`

func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	query := `
        INSERT INTO certificates_data
            (serial_number, ca_serial, certificate_pem, chain_pem, account_slug, order_slug, issued_at, expires_at, revoked, revoked_at, revocation_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (serial_number) DO UPDATE SET
            revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at, revocation_reason = EXCLUDED.revocation_reason`
	var sqlChainPEM sql.NullString
	if certData.ChainPEM != "" {
		sqlChainPEM = sql.NullString{String: certData.ChainPEM, Valid: true}
	}
	var sqlRevokedAt sql.NullTime
	if certData.Revoked && !certData.RevokedAt.IsZero() {
		sqlRevokedAt = sql.NullTime{Time: certData.RevokedAt, Valid: true}
	}
	var sqlRevocationReason sql.NullInt32
	if certData.Revoked {
		sqlRevocationReason = sql.NullInt32{Int32: int32(certData.RevocationReason), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, certData.SerialNumber, certData.CASerial, certData.CertificatePEM,
		sqlChainPEM, certData.AccountSlug, certData.OrderSlug, certData.IssuedAt, certData.ExpiresAt,
		certData.Revoked, sqlRevokedAt, sqlRevocationReason)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data for serial '%s': %w", certData.SerialNumber, err)
	}
	logger.Debug("Certificate data saved", zap.String("serialNumber", certData.SerialNumber))
	return nil
}

func scanCertificateData(row interface{ Scan(...interface{}) error }) (*model.CertificateData, error) {
	var certData model.CertificateData
	var sqlChainPEM sql.NullString
	var sqlRevokedAt sql.NullTime
	var sqlRevocationReason sql.NullInt32
	err := row.Scan(&certData.SerialNumber, &certData.CASerial, &certData.CertificatePEM, &sqlChainPEM,
		&certData.AccountSlug, &certData.OrderSlug, &certData.IssuedAt, &certData.ExpiresAt,
		&certData.Revoked, &sqlRevokedAt, &sqlRevocationReason)
	if err != nil {
		return nil, err
	}
	if sqlChainPEM.Valid {
		certData.ChainPEM = sqlChainPEM.String
	}
	if sqlRevokedAt.Valid {
		certData.RevokedAt = sqlRevokedAt.Time
	}
	if sqlRevocationReason.Valid {
		certData.RevocationReason = int(sqlRevocationReason.Int32)
	}
	return &certData, nil
}

func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	query := `SELECT ` + certDataColumns + ` FROM certificates_data WHERE serial_number = $1`
	certData, err := scanCertificateData(s.db.QueryRowContext(ctx, query, serialNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get certificate data for serial '%s': %w", serialNumber, err)
	}
	return certData, nil
}

func (s *PostgreSQLStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error {
	query := `UPDATE certificates_data SET revoked = true, revoked_at = $2, revocation_reason = $3 WHERE serial_number = $1`
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, query, serialNumber, revokedAt, reasonCode)
	if err != nil {
		return fmt.Errorf("storage: failed to update revocation status for serial '%s': %w", serialNumber, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	logger.Debug("Certificate revocation updated", zap.String("serialNumber", serialNumber), zap.Int("reason", reasonCode))
	return nil
}

func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context, caSerial string) ([]*model.CertificateData, error) {
	query := `SELECT ` + certDataColumns + ` FROM certificates_data WHERE ca_serial = $1 AND revoked = true ORDER BY revoked_at DESC`
	rows, err := s.db.QueryContext(ctx, query, caSerial)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query revoked certificates: %w", err)
	}
	defer rows.Close()
	revokedCerts := make([]*model.CertificateData, 0)
	for rows.Next() {
		certData, err := scanCertificateData(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan revoked certificate row: %w", err)
		}
		revokedCerts = append(revokedCerts, certData)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating revoked certificate rows: %w", err)
	}
	return revokedCerts, nil
}
