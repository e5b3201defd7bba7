package acme

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

type newAccountPayload struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

type updateAccountPayload struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
}

// HandleNewAccount serves POST /acme/:serial/new-account. Registering a key
// that already has an account returns the existing account with 200
// (RFC 8555, section 7.3.1).
func (h *Handlers) HandleNewAccount(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, jwkOnly)
	if prob != nil {
		return prob
	}

	var payload newAccountPayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		return MalformedProblem("Could not parse account request body.")
	}

	thumbprint, err := keyThumbprint(auth.jwk)
	if err != nil {
		return InternalErrorProblem(err)
	}
	pemKey, err := publicKeyPEM(auth.jwk)
	if err != nil {
		return MalformedProblem("Unsupported public key type.")
	}

	existing, err := h.store.GetAccountByKey(ctx, auth.ca.Serial, thumbprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return InternalErrorProblem(err)
		}
		existing = nil
	}
	if existing != nil && existing.PublicKeyPEM != pemKey {
		// Thumbprint collision with a different key, do not hand out the
		// other account.
		existing = nil
	}

	if payload.OnlyReturnExisting {
		if existing == nil {
			return AccountDoesNotExistProblem("Account does not exist.")
		}
		return h.renderAccount(c, http.StatusOK, existing)
	}
	if existing != nil {
		return h.renderAccount(c, http.StatusOK, existing)
	}

	if prob := validateContacts(payload.Contact); prob != nil {
		return prob
	}
	if auth.ca.RequiresContact && len(payload.Contact) == 0 {
		return UnauthorizedProblem("Must provide at least one contact address.")
	}

	slug := newSlug()
	acc := &model.Account{
		Slug:         slug,
		CASerial:     auth.ca.Serial,
		KID:          h.links.Account(auth.ca.Serial, slug),
		Thumbprint:   thumbprint,
		PublicKeyPEM: pemKey,
		Contact:      payload.Contact,
		Status:       model.StatusValid,
		TOSAgreed:    payload.TermsOfServiceAgreed,
		CreatedAt:    time.Now(),
	}
	if err := h.store.SaveAccount(ctx, acc); err != nil {
		return InternalErrorProblem(err)
	}
	logger.Info("Registered account", zap.String("ca", auth.ca.Serial), zap.String("account", acc.Slug))
	return h.renderAccount(c, http.StatusCreated, acc)
}

// HandleAccount serves POST /acme/:serial/account/:slug. Only deactivation
// and contact updates are supported (RFC 8555, sections 7.3.2 and 7.3.6).
func (h *Handlers) HandleAccount(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}
	if auth.account.Slug != c.Param("slug") {
		return UnauthorizedProblem("Account slug does not match request URI.")
	}

	var payload updateAccountPayload
	if len(auth.payload) > 0 {
		if err := json.Unmarshal(auth.payload, &payload); err != nil {
			return MalformedProblem("Could not parse account update body.")
		}
	}

	switch {
	case payload.Status == model.StatusDeactivated:
		if err := h.deactivateAccount(ctx, auth.account); err != nil {
			return InternalErrorProblem(err)
		}
		logger.Info("Deactivated account", zap.String("account", auth.account.Slug))
	case len(payload.Contact) > 0:
		if prob := validateContacts(payload.Contact); prob != nil {
			return prob
		}
		auth.account.Contact = payload.Contact
		if err := h.store.SaveAccount(ctx, auth.account); err != nil {
			return InternalErrorProblem(err)
		}
	default:
		return MalformedProblem("Only contact information can be updated.")
	}
	return h.renderAccount(c, http.StatusOK, auth.account)
}

// deactivateAccount marks the account deactivated and cascades to its open
// work: pending orders become invalid, their pending authorizations
// deactivated.
func (h *Handlers) deactivateAccount(ctx context.Context, acc *model.Account) error {
	acc.Status = model.StatusDeactivated
	if err := h.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	orders, err := h.store.GetOrdersByAccountSlug(ctx, acc.Slug)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.Status != model.StatusPending {
			continue
		}
		order.Status = model.StatusInvalid
		if err := h.store.SaveOrder(ctx, order); err != nil {
			return err
		}
		authzs, err := h.store.GetAuthorizationsByOrderSlug(ctx, order.Slug)
		if err != nil {
			return err
		}
		for _, authz := range authzs {
			if authz.Status != model.StatusPending {
				continue
			}
			authz.Status = model.StatusDeactivated
			if err := h.store.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleAccountOrders serves POST-as-GET /acme/:serial/account/:slug/orders
// (RFC 8555, section 7.1.2.1). Invalid orders are omitted from the list.
func (h *Handlers) HandleAccountOrders(c echo.Context) error {
	ctx := c.Request().Context()
	auth, prob := h.authenticate(c, kidOnly)
	if prob != nil {
		return prob
	}
	if prob := postAsGet(auth.payload, false); prob != nil {
		return prob
	}
	if auth.account.Slug != c.Param("slug") {
		return UnauthorizedProblem("Account slug does not match request URI.")
	}

	orders, err := h.store.GetOrdersByAccountSlug(ctx, auth.account.Slug)
	if err != nil {
		return InternalErrorProblem(err)
	}
	urls := make([]string, 0, len(orders))
	for _, order := range orders {
		if order.Status == model.StatusInvalid {
			continue
		}
		urls = append(urls, h.links.Order(auth.ca.Serial, order.Slug))
	}
	return c.JSON(http.StatusOK, map[string][]string{"orders": urls})
}

func (h *Handlers) renderAccount(c echo.Context, status int, acc *model.Account) error {
	acc.OrdersURL = h.links.AccountOrders(acc.CASerial, acc.Slug)
	c.Response().Header().Set(echo.HeaderLocation, acc.KID)
	return c.JSON(status, acc)
}
