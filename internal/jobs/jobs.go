// Package jobs runs the asynchronous parts of the ACME flow: certificate
// issuance after finalize and http-01 challenge validation. Handlers enqueue
// work strictly after the triggering state transition is saved.
package jobs

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/model"
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
	logger = l.With(zap.String("package", "jobs"))
}

// Runner hands work to the background workers. Enqueueing never blocks the
// request path and never fails; a full queue is logged and dropped, clients
// retry by polling.
type Runner interface {
	EnqueueIssuance(ctx context.Context, orderSlug string)
	EnqueueValidation(ctx context.Context, challengeSlug string)
}

type jobKind int

const (
	jobIssuance jobKind = iota
	jobValidation
)

type job struct {
	kind jobKind
	slug string
}

// Pool is a channel-fed worker pool implementing Runner.
type Pool struct {
	cfg   *config.Config
	store storage.Storage
	caSvc *ca.Service

	client *http.Client
	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ Runner = (*Pool)(nil)

// NewPool creates a stopped pool; call Start to launch the workers.
func NewPool(cfg *config.Config, store storage.Storage, caSvc *ca.Service) *Pool {
	return &Pool{
		cfg:   cfg,
		store: store,
		caSvc: caSvc,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		jobs: make(chan job, 256),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	workers := p.cfg.IssuanceWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logger.Info("Job workers started", zap.Int("workers", workers))
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			var err error
			switch j.kind {
			case jobIssuance:
				err = p.ProcessIssuance(ctx, j.slug)
			case jobValidation:
				err = p.ProcessValidation(ctx, j.slug)
			}
			if err != nil {
				logger.Error("Job failed", zap.String("slug", j.slug), zap.Error(err))
			}
		}
	}
}

func (p *Pool) enqueue(j job) {
	select {
	case p.jobs <- j:
	default:
		logger.Warn("Job queue full, dropping job", zap.String("slug", j.slug))
	}
}

func (p *Pool) EnqueueIssuance(ctx context.Context, orderSlug string) {
	p.enqueue(job{kind: jobIssuance, slug: orderSlug})
}

func (p *Pool) EnqueueValidation(ctx context.Context, challengeSlug string) {
	p.enqueue(job{kind: jobValidation, slug: challengeSlug})
}

// ProcessIssuance signs the certificate for a processing order. Orders in
// any other status are skipped, which makes redelivery harmless.
func (p *Pool) ProcessIssuance(ctx context.Context, orderSlug string) error {
	order, err := p.store.GetOrder(ctx, orderSlug)
	if err != nil {
		return fmt.Errorf("jobs: failed to load order '%s': %w", orderSlug, err)
	}
	if order.Status != model.StatusProcessing {
		logger.Debug("Skipping issuance for non-processing order", zap.String("order", orderSlug), zap.String("status", order.Status))
		return nil
	}

	certReq, err := p.store.GetCertificateRequestByOrderSlug(ctx, orderSlug)
	if err != nil {
		return p.failOrder(ctx, order, fmt.Errorf("jobs: missing certificate request for order '%s': %w", orderSlug, err))
	}
	csr, err := parseCSR(certReq.CSRPEM)
	if err != nil {
		return p.failOrder(ctx, order, err)
	}
	acc, err := p.store.GetAccount(ctx, order.AccountSlug)
	if err != nil {
		return p.failOrder(ctx, order, fmt.Errorf("jobs: failed to load account '%s': %w", order.AccountSlug, err))
	}

	certData, err := p.caSvc.IssueForOrder(ctx, acc.CASerial, order, acc.Slug, csr)
	if err != nil {
		return p.failOrder(ctx, order, err)
	}

	certReq.CertificateSerial = certData.SerialNumber
	if err := p.store.SaveCertificateRequest(ctx, certReq); err != nil {
		return err
	}
	order.CertificateSerial = certData.SerialNumber
	order.Status = model.StatusValid
	if err := p.store.SaveOrder(ctx, order); err != nil {
		return err
	}
	logger.Info("Order issuance complete", zap.String("order", orderSlug), zap.String("serial", certData.SerialNumber))
	return nil
}

func (p *Pool) failOrder(ctx context.Context, order *model.Order, cause error) error {
	order.Status = model.StatusInvalid
	order.Error = problemJSON("serverInternal", "Certificate issuance failed.")
	if saveErr := p.store.SaveOrder(ctx, order); saveErr != nil {
		return errors.Join(cause, saveErr)
	}
	return cause
}

// ProcessValidation performs the http-01 check for a processing challenge.
func (p *Pool) ProcessValidation(ctx context.Context, challengeSlug string) error {
	chal, err := p.store.GetChallenge(ctx, challengeSlug)
	if err != nil {
		return fmt.Errorf("jobs: failed to load challenge '%s': %w", challengeSlug, err)
	}
	if chal.Status != model.StatusProcessing {
		logger.Debug("Skipping validation for non-processing challenge", zap.String("challenge", challengeSlug), zap.String("status", chal.Status))
		return nil
	}
	authz, err := p.store.GetAuthorization(ctx, chal.AuthorizationSlug)
	if err != nil {
		return fmt.Errorf("jobs: failed to load authorization '%s': %w", chal.AuthorizationSlug, err)
	}
	acc, err := p.store.GetAccount(ctx, authz.AccountSlug)
	if err != nil {
		return fmt.Errorf("jobs: failed to load account '%s': %w", authz.AccountSlug, err)
	}

	expected := chal.Token + "." + acc.Thumbprint
	if err := p.checkHTTP01(ctx, authz.Identifier.Value, chal.Token, expected); err != nil {
		logger.Info("Challenge validation failed", zap.String("challenge", challengeSlug), zap.String("identifier", authz.Identifier.Value), zap.Error(err))
		return p.failChallenge(ctx, chal, authz)
	}

	now := time.Now()
	chal.Status = model.StatusValid
	chal.Validated = &now
	if err := p.store.SaveChallenge(ctx, chal); err != nil {
		return err
	}
	authz.Status = model.StatusValid
	if err := p.store.SaveAuthorization(ctx, authz); err != nil {
		return err
	}
	logger.Info("Challenge validated", zap.String("challenge", challengeSlug), zap.String("identifier", authz.Identifier.Value))
	return p.recomputeOrder(ctx, authz.OrderSlug)
}

func (p *Pool) checkHTTP01(ctx context.Context, host, token, expected string) error {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", host, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching key authorization", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != expected {
		return errors.New("key authorization mismatch")
	}
	return nil
}

func (p *Pool) failChallenge(ctx context.Context, chal *model.Challenge, authz *model.Authorization) error {
	chal.Status = model.StatusInvalid
	chal.Error = problemJSON("incorrectResponse", "The key authorization could not be verified.")
	if err := p.store.SaveChallenge(ctx, chal); err != nil {
		return err
	}
	authz.Status = model.StatusInvalid
	if err := p.store.SaveAuthorization(ctx, authz); err != nil {
		return err
	}
	order, err := p.store.GetOrder(ctx, authz.OrderSlug)
	if err != nil {
		return err
	}
	if order.Status == model.StatusPending {
		order.Status = model.StatusInvalid
		if err := p.store.SaveOrder(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

// recomputeOrder moves a pending order to ready once every authorization is
// valid.
func (p *Pool) recomputeOrder(ctx context.Context, orderSlug string) error {
	order, err := p.store.GetOrder(ctx, orderSlug)
	if err != nil {
		return err
	}
	if order.Status != model.StatusPending {
		return nil
	}
	authzs, err := p.store.GetAuthorizationsByOrderSlug(ctx, orderSlug)
	if err != nil {
		return err
	}
	for _, authz := range authzs {
		if authz.Status != model.StatusValid {
			return nil
		}
	}
	order.Status = model.StatusReady
	if err := p.store.SaveOrder(ctx, order); err != nil {
		return err
	}
	logger.Info("Order ready", zap.String("order", orderSlug))
	return nil
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, errors.New("jobs: failed to decode CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to parse CSR: %w", err)
	}
	return csr, nil
}

func problemJSON(typ, detail string) *json.RawMessage {
	doc, err := json.Marshal(map[string]string{
		"type":   "urn:ietf:params:acme:error:" + typ,
		"detail": detail,
	})
	if err != nil {
		return nil
	}
	raw := json.RawMessage(doc)
	return &raw
}
