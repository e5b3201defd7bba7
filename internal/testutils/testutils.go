// Package testutils holds shared helpers for package tests: an in-memory
// server environment, a seeded test CA and JWS construction.
package testutils

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/certforge/certforge/internal/acme"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/keys"
	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/server"
	"github.com/certforge/certforge/internal/storage"
)

// RecordingRunner records enqueued jobs instead of running them.
type RecordingRunner struct {
	mu         sync.Mutex
	Issuance   []string
	Validation []string
}

func (r *RecordingRunner) EnqueueIssuance(_ context.Context, orderSlug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Issuance = append(r.Issuance, orderSlug)
}

func (r *RecordingRunner) EnqueueValidation(_ context.Context, challengeSlug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Validation = append(r.Validation, challengeSlug)
}

// Env is a fully wired in-memory server for handler tests.
type Env struct {
	Cfg      *config.Config
	Store    storage.Storage
	Keys     *keys.StorageProvider
	CA       *model.CertificateAuthority
	CAKey    *ecdsa.PrivateKey
	CASvc    *ca.Service
	Handlers *acme.Handlers
	HTTP     *echo.Echo
	HTTPS    *echo.Echo
	Runner   *RecordingRunner
}

// TestConfig returns the configuration used by handler tests.
func TestConfig() *config.Config {
	return &config.Config{
		ExternalURL:          "https://ca.test",
		StorageType:          "memory",
		DefaultProfile:       "webserver",
		MaxValidityDays:      90,
		OrderValidityHours:   24,
		NonceValidityMinutes: 60,
		CRLValidityHours:     24,
		IssuanceWorkers:      1,
		CACertValidityYears:  1,
	}
}

// Setup builds the full server environment on memory storage with a seeded
// ECDSA test CA.
func Setup(t *testing.T) *Env {
	t.Helper()

	cfg := TestConfig()
	store := storage.NewMemoryStorage()
	keyProvider := keys.NewStorageProvider(store)
	caRecord, caKey := SeedCA(t, store, keyProvider)

	caSvc, err := ca.New(context.Background(), cfg, store, keyProvider, profile.NewRegistry())
	require.NoError(t, err)

	runner := &RecordingRunner{}
	nonces := acme.NewNonceStore(store, time.Duration(cfg.NonceValidityMinutes)*time.Minute)
	handlers := acme.NewHandlers(cfg, store, nonces, caSvc, runner)

	httpInstance := echo.New()
	httpsInstance := echo.New()
	logger := zaptest.NewLogger(t)
	server.ApplyCommonMiddleware(httpInstance, logger)
	server.ApplyCommonMiddleware(httpsInstance, logger)
	server.SetupRouter(httpInstance, httpsInstance, handlers)

	return &Env{
		Cfg:      cfg,
		Store:    store,
		Keys:     keyProvider,
		CA:       caRecord,
		CAKey:    caKey,
		CASvc:    caSvc,
		Handlers: handlers,
		HTTP:     httpInstance,
		HTTPS:    httpsInstance,
		Runner:   runner,
	}
}

// SeedCA stores a self-signed ECDSA root and its key so tests skip the slow
// RSA bootstrap.
func SeedCA(t *testing.T, store storage.Storage, keyProvider *keys.StorageProvider) (*model.CertificateAuthority, *ecdsa.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ski, err := profile.ComputeSubjectKeyID(key.Public())
	require.NoError(t, err)
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"CertForge Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	record := &model.CertificateAuthority{
		Serial:         fmt.Sprintf("%x", cert.SerialNumber),
		Name:           "Test Root CA",
		CertificatePEM: string(ca.EncodeCertificate(cert)),
		ACMEEnabled:    true,
		DefaultProfile: "webserver",
		Website:        "https://ca.test/about",
		TermsOfService: "https://ca.test/tos",
		CAAIdentity:    "ca.test",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.SaveCA(ctx, record))
	require.NoError(t, keyProvider.StoreSigner(ctx, record.Serial, key))
	return record, key
}

type staticNonce string

func (s staticNonce) Nonce() (string, error) {
	return string(s), nil
}

// SignJWS builds the flattened JWS JSON serialization for an ACME request.
// When kid is empty the public JWK is embedded instead.
func SignJWS(t *testing.T, key crypto.Signer, kid, url, nonce string, payload []byte) string {
	t.Helper()

	opts := &jose.SignerOptions{NonceSource: staticNonce(nonce)}
	opts.WithHeader("url", url)

	var signingKey jose.SigningKey
	if kid != "" {
		signingKey = jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: kid}}
	} else {
		opts.EmbedJWK = true
		signingKey = jose.SigningKey{Algorithm: jose.ES256, Key: key}
	}

	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(t, err)
	if payload == nil {
		// A nil payload makes go-jose omit the "payload" field entirely;
		// POST-as-GET needs an explicit empty payload ("") to parse.
		payload = []byte{}
	}
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	return obj.FullSerialize()
}

// GetNonce fetches a fresh nonce via HEAD new-nonce.
func (env *Env) GetNonce(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodHead, "/acme/"+env.CA.Serial+"/new-nonce", nil)
	rec := httptest.NewRecorder()
	env.HTTPS.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	nonce := rec.Header().Get("Replay-Nonce")
	require.NotEmpty(t, nonce)
	return nonce
}

// PostJWS posts a signed body to an ACME path on the HTTPS instance.
func (env *Env) PostJWS(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/jose+json")
	rec := httptest.NewRecorder()
	env.HTTPS.ServeHTTP(rec, req)
	return rec
}

// SignAndPost signs the payload for the given ACME path and posts it.
func (env *Env) SignAndPost(t *testing.T, key crypto.Signer, kid, path string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body := SignJWS(t, key, kid, env.Cfg.ExternalURL+path, env.GetNonce(t), payload)
	return env.PostJWS(t, path, body)
}

// RegisterAccount registers a fresh ECDSA account key and returns the key
// and the account URL (the JWS kid).
func (env *Env) RegisterAccount(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	path := "/acme/" + env.CA.Serial + "/new-account"
	payload := []byte(`{"termsOfServiceAgreed": true, "contact": ["mailto:admin@example.com"]}`)
	rec := env.SignAndPost(t, key, "", path, payload)
	require.Equal(t, http.StatusCreated, rec.Code, "new-account response: %s", rec.Body.String())
	kid := rec.Header().Get(echo.HeaderLocation)
	require.NotEmpty(t, kid)
	return key, kid
}

// AccountSlug extracts the slug from an account URL.
func AccountSlug(kid string) string {
	parts := strings.Split(kid, "/")
	return parts[len(parts)-1]
}
