package acme

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

const nonceLength = 32

// NonceStore issues and consumes replay-protection nonces. Nonces are scoped
// to the issuing CA so CAs hosted by the same server never validate each
// other's nonces. Consumption is a repository-side atomic counter increment;
// only the transition to exactly 1 counts as a valid use.
type NonceStore struct {
	store    storage.Storage
	validity time.Duration
}

func NewNonceStore(store storage.Storage, validity time.Duration) *NonceStore {
	return &NonceStore{store: store, validity: validity}
}

func nonceKey(caSerial, value string) string {
	return caSerial + "." + value
}

// Issue creates, persists and returns a fresh nonce.
func (n *NonceStore) Issue(ctx context.Context, caSerial string) (string, error) {
	data := make([]byte, nonceLength)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("acme: failed to generate nonce: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(data)

	now := time.Now()
	nonce := &model.Nonce{
		Key:       nonceKey(caSerial, value),
		IssuedAt:  now,
		ExpiresAt: now.Add(n.validity),
	}
	if err := n.store.SaveNonce(ctx, nonce); err != nil {
		return "", err
	}
	return value, nil
}

// Consume returns true exactly once per issued nonce. Unknown, expired and
// replayed nonces all return false.
func (n *NonceStore) Consume(ctx context.Context, caSerial, value string) bool {
	uses, err := n.store.IncrementNonceUse(ctx, nonceKey(caSerial, value))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("Failed to consume nonce", zap.Error(err))
		}
		return false
	}
	return uses == 1
}

// PurgeExpired opportunistically deletes expired nonces.
func (n *NonceStore) PurgeExpired(ctx context.Context) {
	if _, err := n.store.DeleteExpiredNonces(ctx); err != nil {
		logger.Error("Failed to purge expired nonces", zap.Error(err))
	}
}

// HandleNewNonce serves HEAD and GET /acme/:serial/new-nonce. The nonce
// itself is added by the middleware that stamps Replay-Nonce on every ACME
// response.
func (h *Handlers) HandleNewNonce(c echo.Context) error {
	// RFC 8555, section 7.2: the response must not be cached.
	c.Response().Header().Set("Cache-Control", "no-store")
	if c.Request().Method == http.MethodGet {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}
