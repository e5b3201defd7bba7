package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certforge/certforge/internal/acme"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/config"
	"github.com/certforge/certforge/internal/jobs"
	"github.com/certforge/certforge/internal/keys"
	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/server"
	"github.com/certforge/certforge/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certforge starting...", zap.String("external_url", cfg.ExternalURL), zap.String("storage_type", cfg.StorageType))

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	registry := profile.NewRegistry()
	if cfg.ProfileFile != "" {
		if err := registry.LoadFile(cfg.ProfileFile); err != nil {
			logger.Fatal("failed to load certificate profiles", zap.Error(err), zap.String("profile_file", cfg.ProfileFile))
		}
		logger.Info("certificate profiles loaded", zap.Strings("profiles", registry.Names()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keyProvider := keys.NewStorageProvider(store)
	caService, err := ca.New(ctx, cfg, store, keyProvider, registry)
	if err != nil {
		logger.Fatal("failed to initialize CA service", zap.Error(err))
	}
	logger.Info("CA service initialized")

	pool := jobs.NewPool(cfg, store, caService)
	pool.Start(ctx)
	defer pool.Stop()

	nonces := acme.NewNonceStore(store, time.Duration(cfg.NonceValidityMinutes)*time.Minute)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				nonces.PurgeExpired(ctx)
			}
		}
	}()

	handlers := acme.NewHandlers(cfg, store, nonces, caService, pool)

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, logger)
	server.ApplyCommonMiddleware(httpsInstance, logger)
	server.SetupRouter(httpInstance, httpsInstance, handlers)

	go func() {
		logger.Info("HTTP listener starting", zap.String("address", cfg.HTTPAddress))
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("HTTPS listener starting", zap.String("address", cfg.HTTPSAddress))
		if err := httpsInstance.StartTLS(cfg.HTTPSAddress, cfg.HTTPSCert, cfg.HTTPSKey); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTPS server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpsInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPS server shutdown failed", zap.Error(err))
	}
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
