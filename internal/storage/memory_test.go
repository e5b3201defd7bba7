package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/storage"
)

func TestMemoryNonceIncrement(t *testing.T) {
	s := storage.NewMemoryStorage()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{
		Key:       "cafe01.abc",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	uses, err := s.IncrementNonceUse(ctx, "cafe01.abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), uses)

	uses, err = s.IncrementNonceUse(ctx, "cafe01.abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), uses)

	_, err = s.IncrementNonceUse(ctx, "cafe01.unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryExpiredNoncePurge(t *testing.T) {
	s := storage.NewMemoryStorage()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{Key: "a.live", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{Key: "a.dead", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))

	_, err := s.IncrementNonceUse(ctx, "a.dead")
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired nonces do not validate")

	deleted, err := s.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.IncrementNonceUse(ctx, "a.live")
	assert.NoError(t, err)
}

func TestMemoryAccountLookups(t *testing.T) {
	s := storage.NewMemoryStorage()
	ctx := context.Background()

	acc := &model.Account{
		Slug:         "acct-1",
		CASerial:     "cafe01",
		KID:          "https://ca.test/acme/cafe01/account/acct-1",
		Thumbprint:   "tp-1",
		PublicKeyPEM: "pem-1",
		Status:       model.StatusValid,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.SaveAccount(ctx, acc))

	byKID, err := s.GetAccountByKID(ctx, "cafe01", acc.KID)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", byKID.Slug)

	byKey, err := s.GetAccountByKey(ctx, "cafe01", "tp-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", byKey.Slug)

	// The KID is scoped to its CA.
	_, err = s.GetAccountByKID(ctx, "beef02", acc.KID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Stored records are isolated from caller mutation.
	byKID.Status = model.StatusDeactivated
	reread, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, reread.Status)
}

func TestMemoryOrderListsSortedByCreation(t *testing.T) {
	s := storage.NewMemoryStorage()
	ctx := context.Background()

	base := time.Now()
	for i, slug := range []string{"second", "first", "third"} {
		offset := []time.Duration{time.Minute, 0, 2 * time.Minute}[i]
		require.NoError(t, s.SaveOrder(ctx, &model.Order{
			Slug:        slug,
			AccountSlug: "acct-1",
			Status:      model.StatusPending,
			Expires:     base.Add(24 * time.Hour),
			CreatedAt:   base.Add(offset),
		}))
	}

	orders, err := s.GetOrdersByAccountSlug(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "first", orders[0].Slug)
	assert.Equal(t, "second", orders[1].Slug)
	assert.Equal(t, "third", orders[2].Slug)
}

func TestMemoryCertificateRevocation(t *testing.T) {
	s := storage.NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.SaveCertificateData(ctx, &model.CertificateData{
		SerialNumber: "abc123",
		CASerial:     "cafe01",
		IssuedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	revoked, err := s.ListRevokedCertificates(ctx, "cafe01")
	require.NoError(t, err)
	assert.Empty(t, revoked)

	require.NoError(t, s.UpdateCertificateRevocation(ctx, "abc123", time.Now(), 1))
	revoked, err = s.ListRevokedCertificates(ctx, "cafe01")
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "abc123", revoked[0].SerialNumber)
	assert.Equal(t, 1, revoked[0].RevocationReason)

	err = s.UpdateCertificateRevocation(ctx, "missing", time.Now(), 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
