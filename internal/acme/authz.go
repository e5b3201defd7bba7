package acme

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

type authzResponse struct {
	Identifier model.Identifier    `json:"identifier"`
	Status     string              `json:"status"`
	Expires    time.Time           `json:"expires"`
	Wildcard   bool                `json:"wildcard,omitempty"`
	Challenges []challengeResponse `json:"challenges"`
}

type challengeResponse struct {
	Type      string           `json:"type"`
	URL       string           `json:"url"`
	Token     string           `json:"token"`
	Status    string           `json:"status"`
	Validated *time.Time       `json:"validated,omitempty"`
	Error     *json.RawMessage `json:"error,omitempty"`
}

// HandleAuthorization serves POST-as-GET /acme/:serial/authz/:slug
// (RFC 8555, section 7.5). A valid authorization lists only the challenge
// that validated it.
func (h *Handlers) HandleAuthorization(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}
	if prob := postAsGet(auth.payload, false); prob != nil {
		return prob
	}

	authz, err := h.store.GetAuthorization(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return UnauthorizedProblem("You are not authorized to view this resource.")
		}
		return InternalErrorProblem(err)
	}
	if authz.AccountSlug != auth.account.Slug {
		return UnauthorizedProblem("You are not authorized to view this resource.")
	}
	if authz.Status == model.StatusPending && time.Now().After(authz.Expires) {
		authz.Status = model.StatusExpired
		if err := h.store.SaveAuthorization(ctx, authz); err != nil {
			return InternalErrorProblem(err)
		}
	}

	chals, err := h.store.GetChallengesByAuthorizationSlug(ctx, authz.Slug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	resp := &authzResponse{
		Identifier: authz.Identifier,
		Status:     authz.Status,
		Expires:    authz.Expires,
		Wildcard:   authz.Wildcard,
		Challenges: make([]challengeResponse, 0, len(chals)),
	}
	for _, chal := range chals {
		if authz.Status == model.StatusValid && chal.Status != model.StatusValid {
			continue
		}
		resp.Challenges = append(resp.Challenges, h.challengeResponse(auth.ca.Serial, chal))
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleChallenge serves POST /acme/:serial/chall/:slug (RFC 8555, section
// 7.5.1). The request body is ignored since clients post "{}" here. A
// pending challenge moves to processing exactly once; validation is enqueued
// only after the transition is saved.
func (h *Handlers) HandleChallenge(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}

	chal, err := h.store.GetChallenge(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return UnauthorizedProblem("You are not authorized to view this resource.")
		}
		return InternalErrorProblem(err)
	}
	authz, err := h.store.GetAuthorization(ctx, chal.AuthorizationSlug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	if authz.AccountSlug != auth.account.Slug {
		return UnauthorizedProblem("You are not authorized to view this resource.")
	}

	if chal.Status == model.StatusPending && authz.Status == model.StatusPending && time.Now().Before(authz.Expires) {
		chal.Status = model.StatusProcessing
		if err := h.store.SaveChallenge(ctx, chal); err != nil {
			return InternalErrorProblem(err)
		}
		h.runner.EnqueueValidation(ctx, chal.Slug)
		logger.Info("Challenge triggered", zap.String("challenge", chal.Slug), zap.String("identifier", authz.Identifier.Value))
	}

	c.Response().Header().Add("Link", fmt.Sprintf(`<%s>;rel="up"`, h.links.Authorization(auth.ca.Serial, authz.Slug)))
	return c.JSON(http.StatusOK, h.challengeResponse(auth.ca.Serial, chal))
}

// HandleHTTP01Challenge serves GET /.well-known/acme-challenge/:token on the
// plain HTTP listener, answering http-01 validation for names that point at
// this host.
func (h *Handlers) HandleHTTP01Challenge(c echo.Context) error {
	ctx := c.Request().Context()
	chal, err := h.store.GetChallengeByToken(ctx, c.Param("token"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return InternalErrorProblem(err)
	}
	authz, err := h.store.GetAuthorization(ctx, chal.AuthorizationSlug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	acc, err := h.store.GetAccount(ctx, authz.AccountSlug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	return c.String(http.StatusOK, chal.Token+"."+acc.Thumbprint)
}

func (h *Handlers) challengeResponse(caSerial string, chal *model.Challenge) challengeResponse {
	return challengeResponse{
		Type:      chal.Type,
		URL:       h.links.Challenge(caSerial, chal.Slug),
		Token:     chal.Token,
		Status:    chal.Status,
		Validated: chal.Validated,
		Error:     chal.Error,
	}
}
