package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/testutils"
)

type orderDoc struct {
	Status         string             `json:"status"`
	Expires        time.Time          `json:"expires"`
	Identifiers    []model.Identifier `json:"identifiers"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
	Certificate    string             `json:"certificate"`
}

// createOrder posts a new-order request for the given DNS names and returns
// the order slug.
func createOrder(t *testing.T, env *testutils.Env, key *ecdsa.PrivateKey, kid string, names ...string) string {
	t.Helper()

	idents := make([]model.Identifier, 0, len(names))
	for _, name := range names {
		idents = append(idents, model.Identifier{Type: "dns", Value: name})
	}
	payload, err := json.Marshal(map[string]interface{}{"identifiers": idents})
	require.NoError(t, err)

	path := "/acme/" + env.CA.Serial + "/new-order"
	rec := env.SignAndPost(t, key, kid, path, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	location := rec.Header().Get(echo.HeaderLocation)
	require.NotEmpty(t, location)
	parts := strings.Split(location, "/")
	return parts[len(parts)-1]
}

// makeCSR builds a DER CSR for the given names, base64url encoded the way
// finalize expects it.
func makeCSR(t *testing.T, commonName string, dnsNames []string) string {
	t.Helper()
	key := newAccountKey(t)
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(der)
}

// makeSubjectCSR is like makeCSR but takes a full subject, for CSRs whose
// subject cannot be expressed through the pkix.Name convenience fields.
func makeSubjectCSR(t *testing.T, subject pkix.Name, dnsNames []string) string {
	t.Helper()
	key := newAccountKey(t)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(der)
}

// readyOrder marks every authorization of the order valid and the order
// ready, as if all challenges had been completed.
func readyOrder(t *testing.T, env *testutils.Env, orderSlug string) {
	t.Helper()
	ctx := context.Background()
	authzs, err := env.Store.GetAuthorizationsByOrderSlug(ctx, orderSlug)
	require.NoError(t, err)
	for _, authz := range authzs {
		authz.Status = model.StatusValid
		require.NoError(t, env.Store.SaveAuthorization(ctx, authz))
	}
	order, err := env.Store.GetOrder(ctx, orderSlug)
	require.NoError(t, err)
	order.Status = model.StatusReady
	require.NoError(t, env.Store.SaveOrder(ctx, order))
}

func TestNewOrder(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	path := "/acme/" + env.CA.Serial + "/new-order"
	payload := []byte(`{"identifiers": [{"type": "dns", "value": "example.com"}, {"type": "dns", "value": "www.example.com"}]}`)
	rec := env.SignAndPost(t, key, kid, path, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order orderDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, model.StatusPending, order.Status)
	assert.Len(t, order.Identifiers, 2)
	assert.Len(t, order.Authorizations, 2)
	assert.Contains(t, order.Finalize, "/finalize")
	assert.Empty(t, order.Certificate)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), order.Expires, time.Minute)

	// Each authorization got one pending http-01 challenge.
	ctx := context.Background()
	location := rec.Header().Get(echo.HeaderLocation)
	parts := strings.Split(location, "/")
	authzs, err := env.Store.GetAuthorizationsByOrderSlug(ctx, parts[len(parts)-1])
	require.NoError(t, err)
	require.Len(t, authzs, 2)
	for _, authz := range authzs {
		chals, err := env.Store.GetChallengesByAuthorizationSlug(ctx, authz.Slug)
		require.NoError(t, err)
		require.Len(t, chals, 1)
		assert.Equal(t, model.ChallengeTypeHTTP01, chals[0].Type)
		assert.Equal(t, model.StatusPending, chals[0].Status)
		assert.NotEmpty(t, chals[0].Token)
	}
}

func TestNewOrderValidation(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)
	path := "/acme/" + env.CA.Serial + "/new-order"

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	farFuture := time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339)
	future := time.Now().Add(48 * time.Hour).Format(time.RFC3339)
	nearFuture := time.Now().Add(24 * time.Hour).Format(time.RFC3339)

	cases := []struct {
		name    string
		payload string
		detail  string
	}{
		{
			name:    "no identifiers",
			payload: `{"identifiers": []}`,
			detail:  "The following fields are required: identifiers",
		},
		{
			name:    "notBefore in the past",
			payload: fmt.Sprintf(`{"identifiers": [{"type": "dns", "value": "example.com"}], "notBefore": %q}`, past),
			detail:  "Certificate cannot be valid before now.",
		},
		{
			name:    "notAfter too far out",
			payload: fmt.Sprintf(`{"identifiers": [{"type": "dns", "value": "example.com"}], "notAfter": %q}`, farFuture),
			detail:  "Certificate cannot be valid that long.",
		},
		{
			name:    "notBefore after notAfter",
			payload: fmt.Sprintf(`{"identifiers": [{"type": "dns", "value": "example.com"}], "notBefore": %q, "notAfter": %q}`, future, nearFuture),
			detail:  "notBefore must be before notAfter.",
		},
		{
			name:    "wildcard",
			payload: `{"identifiers": [{"type": "dns", "value": "*.example.com"}]}`,
			detail:  "Wildcard domains are not supported.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.SignAndPost(t, key, kid, path, []byte(tc.payload))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.detail, decodeProblem(t, rec).Detail)
		})
	}

	t.Run("non-dns identifier", func(t *testing.T) {
		rec := env.SignAndPost(t, key, kid, path, []byte(`{"identifiers": [{"type": "ip", "value": "192.0.2.1"}]}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		prob := decodeProblem(t, rec)
		assert.Equal(t, "urn:ietf:params:acme:error:unsupportedIdentifier", prob.Type)
	})
}

func TestGetOrderHidesOtherAccounts(t *testing.T) {
	env := testutils.Setup(t)
	ownerKey, ownerKID := env.RegisterAccount(t)
	orderSlug := createOrder(t, env, ownerKey, ownerKID, "example.com")

	otherKey, otherKID := env.RegisterAccount(t)
	path := "/acme/" + env.CA.Serial + "/order/" + orderSlug
	rec := env.SignAndPost(t, otherKey, otherKID, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An unknown slug is indistinguishable from someone else's order.
	unknown := env.SignAndPost(t, otherKey, otherKID, "/acme/"+env.CA.Serial+"/order/no-such-order", nil)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, decodeProblem(t, rec).Detail, decodeProblem(t, unknown).Detail)
}

func TestGetOrderRejectsNonEmptyPayload(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)
	orderSlug := createOrder(t, env, key, kid, "example.com")

	path := "/acme/" + env.CA.Serial + "/order/" + orderSlug
	rec := env.SignAndPost(t, key, kid, path, []byte(`{"status": "valid"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Non-empty payload in get-as-post request.", decodeProblem(t, rec).Detail)
}

func TestGetOrderExpires(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)
	orderSlug := createOrder(t, env, key, kid, "example.com")

	ctx := context.Background()
	order, err := env.Store.GetOrder(ctx, orderSlug)
	require.NoError(t, err)
	order.Expires = time.Now().Add(-time.Minute)
	require.NoError(t, env.Store.SaveOrder(ctx, order))

	path := "/acme/" + env.CA.Serial + "/order/" + orderSlug
	rec := env.SignAndPost(t, key, kid, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var doc orderDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, model.StatusInvalid, doc.Status)
}

func TestFinalizeBeforeReady(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)
	orderSlug := createOrder(t, env, key, kid, "example.com")

	path := "/acme/" + env.CA.Serial + "/order/" + orderSlug + "/finalize"
	payload := fmt.Sprintf(`{"csr": %q}`, makeCSR(t, "example.com", []string{"example.com"}))
	rec := env.SignAndPost(t, key, kid, path, []byte(payload))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	prob := decodeProblem(t, rec)
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", prob.Type)
	assert.Equal(t, "This order is not yet ready.", prob.Detail)
	assert.Empty(t, env.Runner.Issuance)
}

func TestFinalize(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)
	orderSlug := createOrder(t, env, key, kid, "example.com", "www.example.com")
	readyOrder(t, env, orderSlug)

	path := "/acme/" + env.CA.Serial + "/order/" + orderSlug + "/finalize"
	payload := fmt.Sprintf(`{"csr": %q}`, makeCSR(t, "example.com", []string{"example.com", "www.example.com"}))
	rec := env.SignAndPost(t, key, kid, path, []byte(payload))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc orderDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, model.StatusProcessing, doc.Status)

	// Issuance was enqueued after the state transition was saved.
	require.Equal(t, []string{orderSlug}, env.Runner.Issuance)
	ctx := context.Background()
	order, err := env.Store.GetOrder(ctx, orderSlug)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, order.Status)

	certReq, err := env.Store.GetCertificateRequestByOrderSlug(ctx, orderSlug)
	require.NoError(t, err)
	assert.Contains(t, certReq.CSRPEM, "CERTIFICATE REQUEST")

	// A second finalize on the processing order is refused.
	again := env.SignAndPost(t, key, kid, path, []byte(payload))
	assert.Equal(t, http.StatusForbidden, again.Code)
}

func TestFinalizeCSRValidation(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	cases := []struct {
		name   string
		cn     string
		names  []string
		detail string
	}{
		{
			name:   "names do not match",
			cn:     "example.com",
			names:  []string{"example.com", "evil.example.org"},
			detail: "Names in CSR do not match.",
		},
		{
			name:   "missing names",
			cn:     "example.com",
			names:  []string{"example.com"},
			detail: "Names in CSR do not match.",
		},
		{
			name:   "cn not in order",
			cn:     "evil.example.org",
			names:  []string{"example.com", "www.example.com"},
			detail: "CommonName was not in order.",
		},
		{
			name:   "no SANs",
			cn:     "example.com",
			names:  nil,
			detail: "No subject alternative names found in CSR.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orderSlug := createOrder(t, env, key, kid, "example.com", "www.example.com")
			readyOrder(t, env, orderSlug)

			path := "/acme/" + env.CA.Serial + "/order/" + orderSlug + "/finalize"
			payload := fmt.Sprintf(`{"csr": %q}`, makeCSR(t, tc.cn, tc.names))
			rec := env.SignAndPost(t, key, kid, path, []byte(payload))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			prob := decodeProblem(t, rec)
			assert.Equal(t, "urn:ietf:params:acme:error:badCSR", prob.Type)
			assert.Equal(t, tc.detail, prob.Detail)
		})
	}
}

func TestFinalizeCSRSubjectSanity(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	oidCN := asn1.ObjectIdentifier{2, 5, 4, 3}
	longCN := strings.Repeat("x", 65)
	cases := []struct {
		name    string
		subject pkix.Name
		detail  string
	}{
		{
			name:    "common name too long",
			subject: pkix.Name{CommonName: longCN},
			detail:  longCN + ": Must not be longer than 64 characters.",
		},
		{
			name: "multiple common names",
			subject: pkix.Name{ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidCN, Value: "example.com"},
				{Type: oidCN, Value: "www.example.com"},
			}},
			detail: "Subject contains multiple CommonNames.",
		},
		{
			name: "empty common name",
			subject: pkix.Name{ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidCN, Value: ""},
			}},
			detail: "CommonName must not be an empty value.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orderSlug := createOrder(t, env, key, kid, "example.com")
			readyOrder(t, env, orderSlug)

			path := "/acme/" + env.CA.Serial + "/order/" + orderSlug + "/finalize"
			payload := fmt.Sprintf(`{"csr": %q}`, makeSubjectCSR(t, tc.subject, []string{"example.com"}))
			rec := env.SignAndPost(t, key, kid, path, []byte(payload))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			prob := decodeProblem(t, rec)
			assert.Equal(t, "urn:ietf:params:acme:error:badCSR", prob.Type)
			assert.Equal(t, tc.detail, prob.Detail)
		})
	}
}
