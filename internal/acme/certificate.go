package acme

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/storage"
)

type revokePayload struct {
	Certificate string `json:"certificate"`
	Reason      int    `json:"reason"`
}

// HandleCertificate serves POST-as-GET /acme/:serial/cert/:slug with the
// issued certificate followed by the chain (RFC 8555, section 7.4.2).
func (h *Handlers) HandleCertificate(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}
	if prob := postAsGet(auth.payload, false); prob != nil {
		return prob
	}

	certReq, err := h.store.GetCertificateRequest(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return UnauthorizedProblem("You are not authorized to view this resource.")
		}
		return InternalErrorProblem(err)
	}
	order, err := h.store.GetOrder(ctx, certReq.OrderSlug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	if order.AccountSlug != auth.account.Slug {
		return UnauthorizedProblem("You are not authorized to view this resource.")
	}
	if certReq.CertificateSerial == "" {
		return NotFoundProblem("Certificate not yet issued.")
	}
	certData, err := h.store.GetCertificateData(ctx, certReq.CertificateSerial)
	if err != nil {
		return InternalErrorProblem(err)
	}

	bundle := strings.TrimSpace(certData.CertificatePEM) + "\n" + strings.TrimSpace(certData.ChainPEM) + "\n"
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(bundle))
}

// HandleRevokeCertificate serves POST /acme/:serial/revoke-cert (RFC 8555,
// section 7.6). The request is authorized either by the account that ordered
// the certificate or by a JWS signed with the certificate key itself.
func (h *Handlers) HandleRevokeCertificate(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOrJWK)
	if prob != nil {
		return prob
	}

	var payload revokePayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		return MalformedProblem("Could not parse revocation request body.")
	}
	certDER, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return MalformedProblem("Could not decode certificate.")
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return MalformedProblem("Could not parse certificate.")
	}

	serial := fmt.Sprintf("%x", cert.SerialNumber)
	certData, err := h.store.GetCertificateData(ctx, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NotFoundProblem("Certificate not found.")
		}
		return InternalErrorProblem(err)
	}
	if certData.CASerial != auth.ca.Serial {
		return NotFoundProblem("Certificate not found.")
	}

	if auth.account != nil {
		if certData.AccountSlug != auth.account.Slug {
			return UnauthorizedProblem("You are not authorized to revoke this certificate.")
		}
	} else {
		// Embedded JWK path: the signing key must be the certificate key.
		jwkDER, err := x509.MarshalPKIXPublicKey(auth.jwk.Key)
		if err != nil {
			return MalformedProblem("Unsupported public key type.")
		}
		certKeyDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
		if err != nil {
			return InternalErrorProblem(err)
		}
		if !bytes.Equal(jwkDER, certKeyDER) {
			return UnauthorizedProblem("JWS key does not match certificate key.")
		}
	}

	if payload.Reason < 0 || payload.Reason > 10 || payload.Reason == 7 {
		return BadRevocationReasonProblem("Unsupported revocation reason.")
	}
	if certData.Revoked {
		return AlreadyRevokedProblem("Certificate was already revoked.")
	}

	if err := h.caSvc.RevokeCertificate(ctx, certData, payload.Reason); err != nil {
		return InternalErrorProblem(err)
	}
	logger.Info("Certificate revoked", zap.String("serial", serial), zap.Int("reason", payload.Reason))
	return c.NoContent(http.StatusOK)
}

// HandleCRL serves GET /crl/:serial with the latest CRL of the CA.
func (h *Handlers) HandleCRL(c echo.Context) error {
	ctx := c.Request().Context()
	crlBytes, err := h.store.GetLatestCRL(ctx, c.Param("serial"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return InternalErrorProblem(err)
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crlBytes)
}
