package acme

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

const tokenLength = 32

type newOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   *time.Time         `json:"notBefore"`
	NotAfter    *time.Time         `json:"notAfter"`
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

// orderResponse is the RFC 8555 order object.
type orderResponse struct {
	Status         string             `json:"status"`
	Expires        time.Time          `json:"expires"`
	Identifiers    []model.Identifier `json:"identifiers"`
	NotBefore      *time.Time         `json:"notBefore,omitempty"`
	NotAfter       *time.Time         `json:"notAfter,omitempty"`
	Error          *json.RawMessage   `json:"error,omitempty"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
	Certificate    string             `json:"certificate,omitempty"`
}

func newToken() string {
	data := make([]byte, tokenLength)
	if _, err := rand.Read(data); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// HandleNewOrder serves POST /acme/:serial/new-order (RFC 8555, section
// 7.4). One authorization with one http-01 challenge is created per
// identifier.
func (h *Handlers) HandleNewOrder(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}

	var payload newOrderPayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		return MalformedProblem("Could not parse order request body.")
	}

	now := time.Now()
	if payload.NotBefore != nil && payload.NotBefore.Before(now) {
		return MalformedProblem("Certificate cannot be valid before now.")
	}
	maxValidity := time.Duration(h.cfg.MaxValidityDays) * 24 * time.Hour
	if payload.NotAfter != nil && payload.NotAfter.After(now.Add(maxValidity)) {
		return MalformedProblem("Certificate cannot be valid that long.")
	}
	if payload.NotBefore != nil && payload.NotAfter != nil && payload.NotBefore.After(*payload.NotAfter) {
		return MalformedProblem("notBefore must be before notAfter.")
	}
	if len(payload.Identifiers) == 0 {
		return MalformedProblem("The following fields are required: identifiers")
	}
	for _, ident := range payload.Identifiers {
		if ident.Type != "dns" {
			return MalformedTypeProblem("unsupportedIdentifier", fmt.Sprintf("%s: Unsupported identifier type.", ident.Type))
		}
		if strings.HasPrefix(ident.Value, "*.") {
			// http-01 cannot validate wildcards (RFC 8555, section 8.3).
			return MalformedProblem("Wildcard domains are not supported.")
		}
	}

	order := &model.Order{
		Slug:        newSlug(),
		AccountSlug: auth.account.Slug,
		Status:      model.StatusPending,
		Expires:     now.Add(time.Duration(h.cfg.OrderValidityHours) * time.Hour),
		Identifiers: payload.Identifiers,
		NotBefore:   payload.NotBefore,
		NotAfter:    payload.NotAfter,
		CreatedAt:   now,
	}
	if err := h.store.SaveOrder(ctx, order); err != nil {
		return InternalErrorProblem(err)
	}

	authzs := make([]*model.Authorization, 0, len(payload.Identifiers))
	for _, ident := range payload.Identifiers {
		authz := &model.Authorization{
			Slug:        newSlug(),
			OrderSlug:   order.Slug,
			AccountSlug: auth.account.Slug,
			Identifier:  ident,
			Status:      model.StatusPending,
			Expires:     order.Expires,
			CreatedAt:   now,
		}
		if err := h.store.SaveAuthorization(ctx, authz); err != nil {
			return InternalErrorProblem(err)
		}
		chal := &model.Challenge{
			Slug:              newSlug(),
			AuthorizationSlug: authz.Slug,
			Type:              model.ChallengeTypeHTTP01,
			Status:            model.StatusPending,
			Token:             newToken(),
			CreatedAt:         now,
		}
		if err := h.store.SaveChallenge(ctx, chal); err != nil {
			return InternalErrorProblem(err)
		}
		authzs = append(authzs, authz)
	}

	logger.Info("Created order", zap.String("account", auth.account.Slug), zap.String("order", order.Slug), zap.Int("identifiers", len(order.Identifiers)))
	return h.renderOrder(c, http.StatusCreated, auth.ca.Serial, order, authzs)
}

// HandleGetOrder serves POST-as-GET /acme/:serial/order/:slug.
func (h *Handlers) HandleGetOrder(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}
	if prob := postAsGet(auth.payload, false); prob != nil {
		return prob
	}

	order, prob := h.loadOrder(c, auth)
	if prob != nil {
		return prob
	}
	authzs, err := h.store.GetAuthorizationsByOrderSlug(ctx, order.Slug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	return h.renderOrder(c, http.StatusOK, auth.ca.Serial, order, authzs)
}

// HandleFinalize serves POST /acme/:serial/order/:slug/finalize (RFC 8555,
// section 7.4). The order moves to processing and issuance is enqueued only
// after the transition is saved.
func (h *Handlers) HandleFinalize(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}

	order, prob := h.loadOrder(c, auth)
	if prob != nil {
		return prob
	}
	if order.Status != model.StatusReady {
		return OrderNotReadyProblem("This order is not yet ready.")
	}
	authzs, err := h.store.GetAuthorizationsByOrderSlug(ctx, order.Slug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	for _, authz := range authzs {
		if authz.Status != model.StatusValid {
			return OrderNotReadyProblem("This order is not yet ready.")
		}
	}

	var payload finalizePayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		return MalformedProblem("Could not parse finalize request body.")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return BadCSRProblem("Could not decode CSR.")
	}
	csr, prob := validateCSR(csrDER, order)
	if prob != nil {
		return prob
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr.Raw})
	certReq := &model.CertificateRequest{
		Slug:      newSlug(),
		OrderSlug: order.Slug,
		CSRPEM:    string(csrPEM),
		CreatedAt: time.Now(),
	}
	if err := h.store.SaveCertificateRequest(ctx, certReq); err != nil {
		return InternalErrorProblem(err)
	}
	order.Status = model.StatusProcessing
	if err := h.store.SaveOrder(ctx, order); err != nil {
		return InternalErrorProblem(err)
	}
	h.runner.EnqueueIssuance(ctx, order.Slug)

	logger.Info("Order finalized", zap.String("order", order.Slug))
	return h.renderOrder(c, http.StatusOK, auth.ca.Serial, order, authzs)
}

// loadOrder fetches the order from the URL slug and enforces ownership.
// Unknown slugs and other accounts' orders are indistinguishable to prevent
// enumeration (RFC 8555, section 10.5). Open orders past their expiry are
// moved to invalid on read.
func (h *Handlers) loadOrder(c echo.Context, auth *authRequest) (*model.Order, *Problem) {
	ctx := c.Request().Context()
	order, err := h.store.GetOrder(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, UnauthorizedProblem("You are not authorized to view this resource.")
		}
		return nil, InternalErrorProblem(err)
	}
	if order.AccountSlug != auth.account.Slug {
		return nil, UnauthorizedProblem("You are not authorized to view this resource.")
	}
	if (order.Status == model.StatusPending || order.Status == model.StatusReady) && time.Now().After(order.Expires) {
		order.Status = model.StatusInvalid
		if err := h.store.SaveOrder(ctx, order); err != nil {
			return nil, InternalErrorProblem(err)
		}
	}
	return order, nil
}

// renderOrder writes the order object. For settled orders only valid
// authorizations and their identifiers are listed; the certificate URL is
// present once issuance succeeded.
func (h *Handlers) renderOrder(c echo.Context, status int, caSerial string, order *model.Order, authzs []*model.Authorization) error {
	ctx := c.Request().Context()
	settled := order.Status == model.StatusValid || order.Status == model.StatusInvalid

	resp := &orderResponse{
		Status:    order.Status,
		Expires:   order.Expires,
		NotBefore: order.NotBefore,
		NotAfter:  order.NotAfter,
		Error:     order.Error,
		Finalize:  h.links.Finalize(caSerial, order.Slug),
	}
	for _, authz := range authzs {
		if settled && authz.Status != model.StatusValid {
			continue
		}
		resp.Authorizations = append(resp.Authorizations, h.links.Authorization(caSerial, authz.Slug))
		resp.Identifiers = append(resp.Identifiers, authz.Identifier)
	}
	if !settled {
		resp.Identifiers = order.Identifiers
	}

	if order.Status == model.StatusValid && order.CertificateSerial != "" {
		certReq, err := h.store.GetCertificateRequestByOrderSlug(ctx, order.Slug)
		if err == nil {
			resp.Certificate = h.links.Certificate(caSerial, certReq.Slug)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return InternalErrorProblem(err)
		}
	}

	c.Response().Header().Set(echo.HeaderLocation, h.links.Order(caSerial, order.Slug))
	return c.JSON(status, resp)
}
