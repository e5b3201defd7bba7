// Package ca implements the certificate authority service: CA bootstrap,
// profile-driven issuance, revocation and CRL generation.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/keys"
	"github.com/certforge/certforge/internal/model"
	"github.com/certforge/certforge/internal/profile"
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
	logger = l.With(zap.String("package", "ca"))
}

const caKeySize = 4096

// Service signs certificates and CRLs with keys held by the key provider.
type Service struct {
	cfg      *config.Config
	store    storage.Storage
	keys     keys.Provider
	profiles *profile.Registry
	policies []profile.PolicyCheck
}

// New creates the CA service and bootstraps a CA when none exists yet.
func New(ctx context.Context, cfg *config.Config, store storage.Storage, keyProvider keys.Provider, registry *profile.Registry) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		store:    store,
		keys:     keyProvider,
		profiles: registry,
		policies: []profile.PolicyCheck{
			LeafOnlyPolicy(),
			LifetimePolicy(time.Duration(cfg.MaxValidityDays) * 24 * time.Hour),
		},
	}

	cas, err := store.ListCAs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to list CAs: %w", err)
	}
	if len(cas) == 0 {
		ca, err := s.bootstrapCA(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("Bootstrapped new CA", zap.String("serial", ca.Serial), zap.String("name", ca.Name))
	}
	return s, nil
}

// bootstrapCA generates a self-signed root and persists it together with its
// signing key and initial (empty) CRL.
func (s *Service) bootstrapCA(ctx context.Context) (*model.CertificateAuthority, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate CA private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate CA serial number: %w", err)
	}

	ski, err := profile.ComputeSubjectKeyID(privateKey.Public())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   s.cfg.CommonName,
			Organization: []string{s.cfg.Organization},
			Country:      []string{s.cfg.Country},
			Province:     []string{s.cfg.Province},
			Locality:     []string{s.cfg.Locality},
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(s.cfg.CACertValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
	}

	serial := fmt.Sprintf("%x", cert.SerialNumber)
	crlURL := s.cfg.CRLURL
	if crlURL == "" {
		crlURL = s.cfg.ExternalURL + "/crl/" + serial
	}

	ca := &model.CertificateAuthority{
		Serial:          serial,
		Name:            s.cfg.CommonName,
		CertificatePEM:  string(EncodeCertificate(cert)),
		CRLURLs:         []string{crlURL},
		OCSPURL:         s.cfg.OCSPURL,
		IssuerURL:       s.cfg.IssuerURL,
		ACMEEnabled:     true,
		RequiresContact: false,
		DefaultProfile:  s.cfg.DefaultProfile,
		CreatedAt:       now,
	}
	if err := s.store.SaveCA(ctx, ca); err != nil {
		return nil, err
	}
	if err := s.keys.StoreSigner(ctx, serial, privateKey); err != nil {
		return nil, err
	}
	if _, err := s.GenerateCRL(ctx, serial); err != nil {
		return nil, err
	}
	return ca, nil
}

// IssueForOrder signs a certificate for a finalized order and records it.
// The CSR is expected to be validated against the order's authorizations
// before this is called.
func (s *Service) IssueForOrder(ctx context.Context, caSerial string, order *model.Order, accountSlug string, csr *x509.CertificateRequest) (*model.CertificateData, error) {
	ca, err := s.store.GetCA(ctx, caSerial)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load CA '%s': %w", caSerial, err)
	}
	caCert, err := ParseCertificate([]byte(ca.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
	}
	signer, err := s.keys.Signer(ctx, caSerial)
	if err != nil {
		return nil, err
	}

	profileName := ca.DefaultProfile
	if profileName == "" {
		profileName = s.cfg.DefaultProfile
	}
	prof, ok := s.profiles.Get(profileName)
	if !ok {
		return nil, fmt.Errorf("ca: unknown certificate profile %q", profileName)
	}

	sans := make([]profile.GeneralName, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		sans = append(sans, profile.GeneralName{Type: "dns", Value: ident.Value})
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	notAfter := time.Now().Add(time.Duration(s.cfg.MaxValidityDays) * 24 * time.Hour)
	if prof.Validity > 0 && time.Until(notAfter) > prof.Validity {
		notAfter = time.Now().Add(prof.Validity)
	}
	if order.NotBefore != nil {
		notBefore = *order.NotBefore
	}
	if order.NotAfter != nil {
		notAfter = *order.NotAfter
	}

	req := profile.SignRequest{
		PublicKey: csr.PublicKey,
		SubjectCN: csr.Subject.CommonName,
		Extensions: profile.ExtensionSet{
			profile.KeySubjectAltName: profile.SubjectAltName{Names: sans},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Policies:  s.policies,
	}

	cert, err := prof.CreateCertificate(req, profile.CAInfo{
		Certificate:   caCert,
		CRLURLs:       ca.CRLURLs,
		OCSPURL:       ca.OCSPURL,
		IssuerURL:     ca.IssuerURL,
		IssuerAltName: ca.IssuerAltName,
	}, signer)
	if err != nil {
		return nil, err
	}

	certData := &model.CertificateData{
		SerialNumber:   fmt.Sprintf("%x", cert.SerialNumber),
		CASerial:       caSerial,
		CertificatePEM: string(EncodeCertificate(cert)),
		ChainPEM:       ca.CertificatePEM,
		AccountSlug:    accountSlug,
		OrderSlug:      order.Slug,
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
	}
	if err := s.store.SaveCertificateData(ctx, certData); err != nil {
		return nil, err
	}
	logger.Info("Certificate issued",
		zap.String("serial", certData.SerialNumber),
		zap.String("order", order.Slug),
		zap.String("account", accountSlug))
	return certData, nil
}

// RevokeCertificate marks the certificate revoked and regenerates the CRL.
func (s *Service) RevokeCertificate(ctx context.Context, certData *model.CertificateData, reasonCode int) error {
	if err := s.store.UpdateCertificateRevocation(ctx, certData.SerialNumber, time.Now(), reasonCode); err != nil {
		return fmt.Errorf("ca: failed to mark certificate revoked: %w", err)
	}
	if _, err := s.GenerateCRL(ctx, certData.CASerial); err != nil {
		return err
	}
	logger.Info("Certificate revoked", zap.String("serial", certData.SerialNumber), zap.Int("reason", reasonCode))
	return nil
}

// GenerateCRL signs a fresh CRL over all revoked serials of the CA and
// stores it.
func (s *Service) GenerateCRL(ctx context.Context, caSerial string) ([]byte, error) {
	ca, err := s.store.GetCA(ctx, caSerial)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load CA '%s': %w", caSerial, err)
	}
	caCert, err := ParseCertificate([]byte(ca.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
	}
	signer, err := s.keys.Signer(ctx, caSerial)
	if err != nil {
		return nil, err
	}

	revoked, err := s.store.ListRevokedCertificates(ctx, caSerial)
	if err != nil {
		return nil, err
	}
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, certData := range revoked {
		serial, ok := new(big.Int).SetString(certData.SerialNumber, 16)
		if !ok {
			return nil, fmt.Errorf("ca: invalid certificate serial %q", certData.SerialNumber)
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: certData.RevokedAt,
			ReasonCode:     certData.RevocationReason,
		})
	}

	now := time.Now()
	template := &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
		RevokedCertificateEntries: entries,
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, caCert, signer)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create CRL: %w", err)
	}
	if err := s.store.SaveCRL(ctx, caSerial, crlDER); err != nil {
		return nil, err
	}
	logger.Info("CRL generated", zap.String("ca_serial", caSerial), zap.Int("revoked", len(entries)))
	return crlDER, nil
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertificate parses a PEM-encoded x509 certificate.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
