package acme

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

// keyMode says how a handler expects the JWS to be keyed.
type keyMode int

const (
	// kidOnly requires an existing account referenced by key ID.
	kidOnly keyMode = iota
	// jwkOnly requires an embedded full key (new-account).
	jwkOnly
	// kidOrJWK accepts both (revoke-cert).
	kidOrJWK
)

// allowedAlgorithms are the JWS algorithms accepted from clients.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// authRequest is the outcome of successful request authentication.
type authRequest struct {
	ca      *model.CertificateAuthority
	account *model.Account // nil when the JWS embedded a full key
	jwk     *jose.JSONWebKey
	payload []byte
}

// authenticate runs the ordered RFC 8555 request checks: content type, JWS
// parsing, key header exclusivity, CA lookup, key resolution, signature,
// nonce and URL. Checks short-circuit; later checks may assume earlier ones
// passed.
func (h *Handlers) authenticate(c echo.Context, mode keyMode) (*authRequest, *Problem) {
	ctx := c.Request().Context()

	if contentType := c.Request().Header.Get(echo.HeaderContentType); contentType != "application/jose+json" {
		return nil, UnsupportedMediaTypeProblem("Requests must use the application/jose+json content type.")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, MalformedProblem("Could not read request body.")
	}
	jws, err := jose.ParseSigned(string(body), allowedAlgorithms)
	if err != nil {
		return nil, MalformedProblem("Could not parse JWS token.")
	}
	if len(jws.Signatures) != 1 {
		return nil, MalformedProblem("Multiple JWS signatures encountered.")
	}
	protected := jws.Signatures[0].Protected

	// RFC 8555, section 6.2: jwk and kid are mutually exclusive.
	if protected.JSONWebKey != nil && protected.KeyID != "" {
		return nil, MalformedProblem("jwk and kid are mutually exclusive.")
	}

	caRecord, err := h.store.GetCA(ctx, c.Param("serial"))
	if err != nil || !caRecord.ACMEEnabled {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, InternalErrorProblem(err)
		}
		return nil, NotFoundProblem("The requested CA cannot be found.")
	}

	var account *model.Account
	var jwk *jose.JSONWebKey
	switch {
	case protected.JSONWebKey != nil:
		if mode == kidOnly {
			return nil, MalformedProblem("Request requires a JWK key ID.")
		}
		jwk = protected.JSONWebKey
	case protected.KeyID != "":
		if mode == jwkOnly {
			return nil, MalformedProblem("Request requires a full JWK key.")
		}
		account, err = h.store.GetAccountByKID(ctx, caRecord.Serial, protected.KeyID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, UnauthorizedProblem("Account not found.")
			}
			return nil, InternalErrorProblem(err)
		}
		if account.Status != model.StatusValid {
			// RFC 8555, section 7.3.6: requests from deactivated accounts
			// get 401 unauthorized.
			return nil, UnauthorizedProblem("Account not usable.")
		}
		jwk, err = parsePublicKeyPEM(account.PublicKeyPEM)
		if err != nil {
			return nil, InternalErrorProblem(err)
		}
	default:
		return nil, MalformedProblem("JWS contained neither key nor key ID.")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, MalformedProblem("JWS signature invalid.")
	}

	if protected.Nonce == "" || !h.nonces.Consume(ctx, caRecord.Serial, protected.Nonce) {
		return nil, BadNonceProblem("Bad or invalid nonce.")
	}

	rawURL, _ := protected.ExtraHeaders[jose.HeaderKey("url")].(string)
	if rawURL != h.cfg.ExternalURL+c.Request().URL.Path {
		return nil, UnauthorizedProblem("URL does not match.")
	}

	return &authRequest{ca: caRecord, account: account, jwk: jwk, payload: payload}, nil
}

// postAsGet rejects non-empty payloads on resource fetch endpoints. The
// challenge endpoint sets ignoreBody since clients post "{}" there.
func postAsGet(payload []byte, ignoreBody bool) *Problem {
	if !ignoreBody && len(payload) != 0 {
		return MalformedProblem("Non-empty payload in get-as-post request.")
	}
	return nil
}

// keyThumbprint returns the base64url SHA-256 JWK thumbprint (RFC 7638).
func keyThumbprint(jwk *jose.JSONWebKey) (string, error) {
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// publicKeyPEM encodes the JWK's public key as SubjectPublicKeyInfo PEM.
func publicKeyPEM(jwk *jose.JSONWebKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(jwk.Key)
	if err != nil {
		return "", fmt.Errorf("acme: failed to marshal public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return strings.TrimSpace(string(pemBytes)), nil
}

func parsePublicKeyPEM(pemStr string) (*jose.JSONWebKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("acme: failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to parse public key: %w", err)
	}
	return &jose.JSONWebKey{Key: pub}, nil
}
