// Package acme implements the RFC 8555 protocol surface: directory, nonces,
// JWS request authentication and the account/order/authorization/challenge/
// certificate resource handlers.
package acme

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/jobs"
	"github.com/certforge/certforge/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acme"))
}

// Handlers carries the dependencies of all ACME endpoints.
type Handlers struct {
	cfg    *config.Config
	store  storage.Storage
	nonces *NonceStore
	caSvc  *ca.Service
	runner jobs.Runner
	links  Links
}

// NewHandlers wires the ACME endpoints.
func NewHandlers(cfg *config.Config, store storage.Storage, nonces *NonceStore, caSvc *ca.Service, runner jobs.Runner) *Handlers {
	return &Handlers{
		cfg:    cfg,
		store:  store,
		nonces: nonces,
		caSvc:  caSvc,
		runner: runner,
		links:  Links{Base: cfg.ExternalURL},
	}
}

// newSlug returns an opaque resource identifier.
func newSlug() string {
	return uuid.NewString()
}
