package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/certforge/certforge/internal/model"
)

// MemoryStorage is a map-backed Storage used by tests and single-node
// deployments without Postgres. All methods return deep copies so callers
// never share state with the store.
type MemoryStorage struct {
	mu sync.RWMutex

	cas       map[string]*model.CertificateAuthority
	caKeys    map[string][]byte
	crls      map[string][]byte
	nonces    map[string]*model.Nonce
	accounts  map[string]*model.Account
	orders    map[string]*model.Order
	authzs    map[string]*model.Authorization
	chals     map[string]*model.Challenge
	certReqs  map[string]*model.CertificateRequest
	certs     map[string]*model.CertificateData
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cas:      make(map[string]*model.CertificateAuthority),
		caKeys:   make(map[string][]byte),
		crls:     make(map[string][]byte),
		nonces:   make(map[string]*model.Nonce),
		accounts: make(map[string]*model.Account),
		orders:   make(map[string]*model.Order),
		authzs:   make(map[string]*model.Authorization),
		chals:    make(map[string]*model.Challenge),
		certReqs: make(map[string]*model.CertificateRequest),
		certs:    make(map[string]*model.CertificateData),
	}
}

func (s *MemoryStorage) Close() error { return nil }

// --- Certificate authorities ---

func copyCA(ca *model.CertificateAuthority) *model.CertificateAuthority {
	out := *ca
	out.CRLURLs = append([]string(nil), ca.CRLURLs...)
	return &out
}

func (s *MemoryStorage) SaveCA(ctx context.Context, ca *model.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ca.CreatedAt.IsZero() {
		ca.CreatedAt = time.Now()
	}
	s.cas[ca.Serial] = copyCA(ca)
	return nil
}

func (s *MemoryStorage) GetCA(ctx context.Context, serial string) (*model.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ca, ok := s.cas[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCA(ca), nil
}

func (s *MemoryStorage) ListCAs(ctx context.Context) ([]*model.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cas := make([]*model.CertificateAuthority, 0, len(s.cas))
	for _, ca := range s.cas {
		cas = append(cas, copyCA(ca))
	}
	return cas, nil
}

func (s *MemoryStorage) SaveCAPrivateKey(ctx context.Context, caSerial string, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKeys[caSerial] = append([]byte(nil), keyBytes...)
	return nil
}

func (s *MemoryStorage) GetCAPrivateKey(ctx context.Context, caSerial string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyBytes, ok := s.caKeys[caSerial]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), keyBytes...), nil
}

func (s *MemoryStorage) SaveCRL(ctx context.Context, caSerial string, crlBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crls[caSerial] = append([]byte(nil), crlBytes...)
	return nil
}

func (s *MemoryStorage) GetLatestCRL(ctx context.Context, caSerial string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	crlBytes, ok := s.crls[caSerial]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), crlBytes...), nil
}

// --- Nonces ---

func (s *MemoryStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := *nonce
	s.nonces[nonce.Key] = &n
	return nil
}

func (s *MemoryStorage) IncrementNonceUse(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.nonces[key]
	if !ok || !nonce.ExpiresAt.After(time.Now()) {
		return 0, ErrNotFound
	}
	nonce.Uses++
	return nonce.Uses, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	now := time.Now()
	for key, nonce := range s.nonces {
		if !nonce.ExpiresAt.After(now) {
			delete(s.nonces, key)
			deleted++
		}
	}
	return deleted, nil
}

// --- Accounts ---

func copyAccount(acc *model.Account) *model.Account {
	out := *acc
	out.Contact = append([]string(nil), acc.Contact...)
	return &out
}

func (s *MemoryStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	s.accounts[acc.Slug] = copyAccount(acc)
	return nil
}

func (s *MemoryStorage) GetAccount(ctx context.Context, slug string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *MemoryStorage) GetAccountByKID(ctx context.Context, caSerial, kid string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.CASerial == caSerial && acc.KID == kid {
			return copyAccount(acc), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetAccountByKey(ctx context.Context, caSerial, thumbprint string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Account
	for _, acc := range s.accounts {
		if acc.CASerial != caSerial || acc.Thumbprint != thumbprint {
			continue
		}
		if found == nil || acc.CreatedAt.Before(found.CreatedAt) {
			found = acc
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyAccount(found), nil
}

// --- Orders ---

func copyOrder(order *model.Order) *model.Order {
	out := *order
	out.Identifiers = append([]model.Identifier(nil), order.Identifiers...)
	if order.NotBefore != nil {
		nbf := *order.NotBefore
		out.NotBefore = &nbf
	}
	if order.NotAfter != nil {
		naft := *order.NotAfter
		out.NotAfter = &naft
	}
	if order.Error != nil {
		raw := append(json.RawMessage(nil), *order.Error...)
		out.Error = &raw
	}
	return &out
}

func (s *MemoryStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	s.orders[order.Slug] = copyOrder(order)
	return nil
}

func (s *MemoryStorage) GetOrder(ctx context.Context, slug string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(order), nil
}

func (s *MemoryStorage) GetOrdersByAccountSlug(ctx context.Context, accountSlug string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]*model.Order, 0)
	for _, order := range s.orders {
		if order.AccountSlug == accountSlug {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

// --- Authorizations ---

func (s *MemoryStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	a := *authz
	s.authzs[authz.Slug] = &a
	return nil
}

func (s *MemoryStorage) GetAuthorization(ctx context.Context, slug string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authz, ok := s.authzs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	a := *authz
	return &a, nil
}

func (s *MemoryStorage) GetAuthorizationsByOrderSlug(ctx context.Context, orderSlug string) ([]*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authzs := make([]*model.Authorization, 0)
	for _, authz := range s.authzs {
		if authz.OrderSlug == orderSlug {
			a := *authz
			authzs = append(authzs, &a)
		}
	}
	sort.Slice(authzs, func(i, j int) bool { return authzs[i].CreatedAt.Before(authzs[j].CreatedAt) })
	return authzs, nil
}

// --- Challenges ---

func copyChallenge(chal *model.Challenge) *model.Challenge {
	out := *chal
	if chal.Validated != nil {
		v := *chal.Validated
		out.Validated = &v
	}
	if chal.Error != nil {
		raw := append(json.RawMessage(nil), *chal.Error...)
		out.Error = &raw
	}
	return &out
}

func (s *MemoryStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	s.chals[chal.Slug] = copyChallenge(chal)
	return nil
}

func (s *MemoryStorage) GetChallenge(ctx context.Context, slug string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chal, ok := s.chals[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChallenge(chal), nil
}

func (s *MemoryStorage) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chal := range s.chals {
		if chal.Token == token {
			return copyChallenge(chal), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetChallengesByAuthorizationSlug(ctx context.Context, authzSlug string) ([]*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chals := make([]*model.Challenge, 0)
	for _, chal := range s.chals {
		if chal.AuthorizationSlug == authzSlug {
			chals = append(chals, copyChallenge(chal))
		}
	}
	sort.Slice(chals, func(i, j int) bool { return chals[i].CreatedAt.Before(chals[j].CreatedAt) })
	return chals, nil
}

// --- Certificate requests ---

func (s *MemoryStorage) SaveCertificateRequest(ctx context.Context, req *model.CertificateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	r := *req
	s.certReqs[req.Slug] = &r
	return nil
}

func (s *MemoryStorage) GetCertificateRequest(ctx context.Context, slug string) (*model.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.certReqs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	r := *req
	return &r, nil
}

func (s *MemoryStorage) GetCertificateRequestByOrderSlug(ctx context.Context, orderSlug string) (*model.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.certReqs {
		if req.OrderSlug == orderSlug {
			r := *req
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// --- Issued certificates ---

func (s *MemoryStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *certData
	s.certs[certData.SerialNumber] = &c
	return nil
}

func (s *MemoryStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	certData, ok := s.certs[serialNumber]
	if !ok {
		return nil, ErrNotFound
	}
	c := *certData
	return &c, nil
}

func (s *MemoryStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	certData, ok := s.certs[serialNumber]
	if !ok {
		return ErrNotFound
	}
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	certData.Revoked = true
	certData.RevokedAt = revokedAt
	certData.RevocationReason = reasonCode
	return nil
}

func (s *MemoryStorage) ListRevokedCertificates(ctx context.Context, caSerial string) ([]*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revoked := make([]*model.CertificateData, 0)
	for _, certData := range s.certs {
		if certData.CASerial == caSerial && certData.Revoked {
			c := *certData
			revoked = append(revoked, &c)
		}
	}
	sort.Slice(revoked, func(i, j int) bool { return revoked[i].RevokedAt.After(revoked[j].RevokedAt) })
	return revoked, nil
}
