package jobs_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/jobs"
	"github.com/certforge/certforge/internal/keys"
	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/storage"
	"github.com/certforge/certforge/internal/testutils"
)

type fixture struct {
	store   storage.Storage
	pool    *jobs.Pool
	caSvc   *ca.Service
	serial  string
	account *model.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testutils.TestConfig()
	store := storage.NewMemoryStorage()
	keyProvider := keys.NewStorageProvider(store)
	caRecord, _ := testutils.SeedCA(t, store, keyProvider)

	caSvc, err := ca.New(context.Background(), cfg, store, keyProvider, profile.NewRegistry())
	require.NoError(t, err)

	account := &model.Account{
		Slug:       uuid.NewString(),
		CASerial:   caRecord.Serial,
		Thumbprint: "test-thumbprint",
		Status:     model.StatusValid,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.SaveAccount(context.Background(), account))

	return &fixture{
		store:   store,
		pool:    jobs.NewPool(cfg, store, caSvc),
		caSvc:   caSvc,
		serial:  caRecord.Serial,
		account: account,
	}
}

func (f *fixture) addOrder(t *testing.T, status string, names ...string) *model.Order {
	t.Helper()
	idents := make([]model.Identifier, 0, len(names))
	for _, name := range names {
		idents = append(idents, model.Identifier{Type: "dns", Value: name})
	}
	order := &model.Order{
		Slug:        uuid.NewString(),
		AccountSlug: f.account.Slug,
		Status:      status,
		Expires:     time.Now().Add(24 * time.Hour),
		Identifiers: idents,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, f.store.SaveOrder(context.Background(), order))
	return order
}

func (f *fixture) addCSR(t *testing.T, orderSlug string, names ...string) *model.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}, key)
	require.NoError(t, err)

	certReq := &model.CertificateRequest{
		Slug:      uuid.NewString(),
		OrderSlug: orderSlug,
		CSRPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})),
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.SaveCertificateRequest(context.Background(), certReq))
	return certReq
}

func TestProcessIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.addOrder(t, model.StatusProcessing, "example.com", "www.example.com")
	f.addCSR(t, order.Slug, "example.com", "www.example.com")

	require.NoError(t, f.pool.ProcessIssuance(ctx, order.Slug))

	order, err := f.store.GetOrder(ctx, order.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, order.Status)
	require.NotEmpty(t, order.CertificateSerial)

	certData, err := f.store.GetCertificateData(ctx, order.CertificateSerial)
	require.NoError(t, err)
	assert.Equal(t, f.account.Slug, certData.AccountSlug)
	assert.Equal(t, f.serial, certData.CASerial)

	leaf, err := ca.ParseCertificate([]byte(certData.CertificatePEM))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, leaf.DNSNames)
	assert.False(t, leaf.IsCA)
}

func TestProcessIssuanceSkipsSettledOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.addOrder(t, model.StatusValid, "example.com")
	require.NoError(t, f.pool.ProcessIssuance(ctx, order.Slug))

	order, err := f.store.GetOrder(ctx, order.Slug)
	require.NoError(t, err)
	assert.Empty(t, order.CertificateSerial)
}

func TestProcessIssuanceFailureInvalidatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Processing order without any stored CSR.
	order := f.addOrder(t, model.StatusProcessing, "example.com")
	require.Error(t, f.pool.ProcessIssuance(ctx, order.Slug))

	order, err := f.store.GetOrder(ctx, order.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
	require.NotNil(t, order.Error)
	assert.Contains(t, string(*order.Error), "serverInternal")
}

func (f *fixture) addChallenge(t *testing.T, host string) (*model.Order, *model.Authorization, *model.Challenge) {
	t.Helper()
	ctx := context.Background()
	order := f.addOrder(t, model.StatusPending, host)
	authz := &model.Authorization{
		Slug:        uuid.NewString(),
		OrderSlug:   order.Slug,
		AccountSlug: f.account.Slug,
		Identifier:  model.Identifier{Type: "dns", Value: host},
		Status:      model.StatusPending,
		Expires:     order.Expires,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, f.store.SaveAuthorization(ctx, authz))
	chal := &model.Challenge{
		Slug:              uuid.NewString(),
		AuthorizationSlug: authz.Slug,
		Type:              model.ChallengeTypeHTTP01,
		Status:            model.StatusProcessing,
		Token:             "test-token",
		CreatedAt:         time.Now(),
	}
	require.NoError(t, f.store.SaveChallenge(ctx, chal))
	return order, authz, chal
}

func TestProcessValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/acme-challenge/test-token", r.URL.Path)
		fmt.Fprintf(w, "test-token.%s\n", f.account.Thumbprint)
	}))
	defer ts.Close()
	host := strings.TrimPrefix(ts.URL, "http://")

	order, authz, chal := f.addChallenge(t, host)
	require.NoError(t, f.pool.ProcessValidation(ctx, chal.Slug))

	chal, err := f.store.GetChallenge(ctx, chal.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, chal.Status)
	require.NotNil(t, chal.Validated)

	authz, err = f.store.GetAuthorization(ctx, authz.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, authz.Status)

	order, err = f.store.GetOrder(ctx, order.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, order.Status)
}

func TestProcessValidationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "wrong key authorization")
	}))
	defer ts.Close()
	host := strings.TrimPrefix(ts.URL, "http://")

	order, authz, chal := f.addChallenge(t, host)
	require.NoError(t, f.pool.ProcessValidation(ctx, chal.Slug))

	chal, err := f.store.GetChallenge(ctx, chal.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, chal.Status)
	require.NotNil(t, chal.Error)
	assert.Contains(t, string(*chal.Error), "incorrectResponse")

	authz, err = f.store.GetAuthorization(ctx, authz.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, authz.Status)

	order, err = f.store.GetOrder(ctx, order.Slug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
}

func TestProcessValidationSkipsNonProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, chal := f.addChallenge(t, "unreachable.invalid")
	chal.Status = model.StatusValid
	require.NoError(t, f.store.SaveChallenge(ctx, chal))

	// No HTTP fetch happens for a settled challenge.
	require.NoError(t, f.pool.ProcessValidation(ctx, chal.Slug))
}
