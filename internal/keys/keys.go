// Package keys provides access to CA signing keys. The interface hides where
// key material lives; the default implementation keeps PEM-encoded keys in
// the repository.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/certforge/certforge/internal/storage"
)

// Provider resolves the signing key of a CA.
type Provider interface {
	Signer(ctx context.Context, caSerial string) (crypto.Signer, error)
	StoreSigner(ctx context.Context, caSerial string, key crypto.Signer) error
}

// StorageProvider keeps keys PEM-encoded in the repository and caches parsed
// signers per CA serial.
type StorageProvider struct {
	store storage.Storage

	mu    sync.RWMutex
	cache map[string]crypto.Signer
}

var _ Provider = (*StorageProvider)(nil)

func NewStorageProvider(store storage.Storage) *StorageProvider {
	return &StorageProvider{
		store: store,
		cache: make(map[string]crypto.Signer),
	}
}

func (p *StorageProvider) Signer(ctx context.Context, caSerial string) (crypto.Signer, error) {
	p.mu.RLock()
	signer, ok := p.cache[caSerial]
	p.mu.RUnlock()
	if ok {
		return signer, nil
	}

	keyBytes, err := p.store.GetCAPrivateKey(ctx, caSerial)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to load signing key for CA '%s': %w", caSerial, err)
	}
	signer, err = ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to parse signing key for CA '%s': %w", caSerial, err)
	}

	p.mu.Lock()
	p.cache[caSerial] = signer
	p.mu.Unlock()
	return signer, nil
}

func (p *StorageProvider) StoreSigner(ctx context.Context, caSerial string, key crypto.Signer) error {
	keyBytes, err := EncodePrivateKey(key)
	if err != nil {
		return fmt.Errorf("keys: failed to encode signing key for CA '%s': %w", caSerial, err)
	}
	if err := p.store.SaveCAPrivateKey(ctx, caSerial, keyBytes); err != nil {
		return err
	}
	p.mu.Lock()
	p.cache[caSerial] = key
	p.mu.Unlock()
	return nil
}

// EncodePrivateKey encodes an RSA or ECDSA private key as PEM.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

// ParsePrivateKey parses a PEM-encoded private key (RSA or ECDSA).
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	var privKey crypto.Signer
	var err error

	switch block.Type {
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var anyKey any
		anyKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			privKey, ok = anyKey.(crypto.Signer)
			if !ok {
				return nil, errors.New("PKCS#8 key does not implement crypto.Signer")
			}
		}
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privKey, nil
}
