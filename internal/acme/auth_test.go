package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/testutils"
)

type problemDoc struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problemDoc {
	t.Helper()
	var prob problemDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prob), "body: %s", rec.Body.String())
	return prob
}

func newAccountKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestAuthRejectsWrongContentType(t *testing.T) {
	env := testutils.Setup(t)

	req := httptest.NewRequest(http.MethodPost, "/acme/"+env.CA.Serial+"/new-account", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	env.HTTPS.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	prob := decodeProblem(t, rec)
	assert.Equal(t, "urn:ietf:params:acme:error:malformed", prob.Type)
	// Errors still carry a fresh nonce.
	assert.NotEmpty(t, rec.Header().Get("Replay-Nonce"))
}

func TestAuthRejectsGarbageJWS(t *testing.T) {
	env := testutils.Setup(t)

	rec := env.PostJWS(t, "/acme/"+env.CA.Serial+"/new-account", "not a jws")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Could not parse JWS token.", decodeProblem(t, rec).Detail)
}

func TestAuthUnknownCA(t *testing.T) {
	env := testutils.Setup(t)
	key := newAccountKey(t)

	path := "/acme/ffffffff/new-account"
	nonce := env.GetNonce(t)
	body := testutils.SignJWS(t, key, "", env.Cfg.ExternalURL+path, nonce, []byte("{}"))
	rec := env.PostJWS(t, path, body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "The requested CA cannot be found.", decodeProblem(t, rec).Detail)
}

func TestAuthNewAccountRequiresEmbeddedJWK(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	path := "/acme/" + env.CA.Serial + "/new-account"
	rec := env.SignAndPost(t, key, kid, path, []byte("{}"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Request requires a full JWK key.", decodeProblem(t, rec).Detail)
}

func TestAuthNewOrderRequiresKID(t *testing.T) {
	env := testutils.Setup(t)
	key, _ := env.RegisterAccount(t)

	path := "/acme/" + env.CA.Serial + "/new-order"
	rec := env.SignAndPost(t, key, "", path, []byte(`{"identifiers": [{"type": "dns", "value": "example.com"}]}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Request requires a JWK key ID.", decodeProblem(t, rec).Detail)
}

func TestAuthUnknownKID(t *testing.T) {
	env := testutils.Setup(t)
	key := newAccountKey(t)

	path := "/acme/" + env.CA.Serial + "/new-order"
	kid := env.Cfg.ExternalURL + "/acme/" + env.CA.Serial + "/account/no-such-account"
	rec := env.SignAndPost(t, key, kid, path, []byte("{}"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Account not found.", decodeProblem(t, rec).Detail)
}

func TestAuthDeactivatedAccount(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	acc, err := env.Store.GetAccount(context.Background(), testutils.AccountSlug(kid))
	require.NoError(t, err)
	acc.Status = model.StatusDeactivated
	require.NoError(t, env.Store.SaveAccount(context.Background(), acc))

	path := "/acme/" + env.CA.Serial + "/new-order"
	rec := env.SignAndPost(t, key, kid, path, []byte(`{"identifiers": [{"type": "dns", "value": "example.com"}]}`))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Account not usable.", decodeProblem(t, rec).Detail)
}

func TestAuthNonceReplay(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	path := "/acme/" + env.CA.Serial + "/order/anything"
	nonce := env.GetNonce(t)
	body := testutils.SignJWS(t, key, kid, env.Cfg.ExternalURL+path, nonce, nil)

	first := env.PostJWS(t, path, body)
	// Nonce is consumed before the slug lookup runs.
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := env.PostJWS(t, path, body)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "urn:ietf:params:acme:error:badNonce", decodeProblem(t, second).Type)
}

func TestAuthURLMismatch(t *testing.T) {
	env := testutils.Setup(t)
	key, kid := env.RegisterAccount(t)

	path := "/acme/" + env.CA.Serial + "/new-order"
	nonce := env.GetNonce(t)
	body := testutils.SignJWS(t, key, kid, env.Cfg.ExternalURL+"/acme/"+env.CA.Serial+"/new-account", nonce, []byte("{}"))
	rec := env.PostJWS(t, path, body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "URL does not match.", decodeProblem(t, rec).Detail)
}

func TestAuthSignatureMismatch(t *testing.T) {
	env := testutils.Setup(t)
	_, kid := env.RegisterAccount(t)
	otherKey := newAccountKey(t)

	path := "/acme/" + env.CA.Serial + "/new-order"
	rec := env.SignAndPost(t, otherKey, kid, path, []byte("{}"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "JWS signature invalid.", decodeProblem(t, rec).Detail)
}
