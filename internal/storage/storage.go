package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// ErrNotFound is returned by all Get methods when no row matches. Callers
// must not leak the distinction between "missing" and "not yours" to ACME
// clients.
var ErrNotFound = errors.New("storage: not found")

// Storage is the repository interface shared by the Postgres and in-memory
// backends.
type Storage interface {
	// Certificate authorities
	SaveCA(ctx context.Context, ca *model.CertificateAuthority) error
	GetCA(ctx context.Context, serial string) (*model.CertificateAuthority, error)
	ListCAs(ctx context.Context) ([]*model.CertificateAuthority, error)
	SaveCAPrivateKey(ctx context.Context, caSerial string, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context, caSerial string) ([]byte, error)
	SaveCRL(ctx context.Context, caSerial string, crlBytes []byte) error
	GetLatestCRL(ctx context.Context, caSerial string) ([]byte, error)

	// Nonces. IncrementNonceUse bumps the use counter atomically and
	// returns the resulting count; only the transition to 1 is a valid
	// consumption. Missing or expired nonces yield ErrNotFound.
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	IncrementNonceUse(ctx context.Context, key string) (int64, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Accounts
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, slug string) (*model.Account, error)
	GetAccountByKID(ctx context.Context, caSerial, kid string) (*model.Account, error)
	GetAccountByKey(ctx context.Context, caSerial, thumbprint string) (*model.Account, error)

	// Orders
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, slug string) (*model.Order, error)
	GetOrdersByAccountSlug(ctx context.Context, accountSlug string) ([]*model.Order, error)

	// Authorizations
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, slug string) (*model.Authorization, error)
	GetAuthorizationsByOrderSlug(ctx context.Context, orderSlug string) ([]*model.Authorization, error)

	// Challenges
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, slug string) (*model.Challenge, error)
	GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error)
	GetChallengesByAuthorizationSlug(ctx context.Context, authzSlug string) ([]*model.Challenge, error)

	// Certificate requests (finalize-time CSRs)
	SaveCertificateRequest(ctx context.Context, req *model.CertificateRequest) error
	GetCertificateRequest(ctx context.Context, slug string) (*model.CertificateRequest, error)
	GetCertificateRequestByOrderSlug(ctx context.Context, orderSlug string) (*model.CertificateRequest, error)

	// Issued certificates
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	UpdateCertificateRevocation(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error
	ListRevokedCertificates(ctx context.Context, caSerial string) ([]*model.CertificateData, error)

	Close() error
}

// NewStorage is the factory function.
func NewStorage(cfg *config.Config) (Storage, error) {
	switch strings.ToLower(cfg.StorageType) {
	case "postgres":
		return NewPostgreSQLStorage(cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode, cfg.DBCert, cfg.DBKey, cfg.DBRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", cfg.StorageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", cfg.StorageType)
	}
}
