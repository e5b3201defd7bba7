// Package server wires the echo instances: middleware, problem-document
// error rendering and the route table.
package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/acme"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance and
// installs the problem-document error handler.
func ApplyCommonMiddleware(e *echo.Echo, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", baseLogger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})

	e.HTTPErrorHandler = ProblemErrorHandler(baseLogger)
}

// ProblemErrorHandler renders every error as an RFC 7807 problem document.
// Internal errors are logged with their opaque error ID; the cause never
// reaches the client.
func ProblemErrorHandler(baseLogger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var prob *acme.Problem
		if !errors.As(err, &prob) {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				switch httpErr.Code {
				case http.StatusNotFound:
					prob = acme.NotFoundProblem("Resource not found.")
				case http.StatusMethodNotAllowed:
					prob = acme.MethodNotAllowedProblem()
				default:
					prob = acme.InternalErrorProblem(err)
				}
			} else {
				prob = acme.InternalErrorProblem(err)
			}
		}

		if wrapped := prob.Unwrap(); wrapped != nil {
			baseLogger.Error("Request failed",
				zap.String("error_id", prob.ID()),
				zap.String("path", c.Request().URL.Path),
				zap.Error(wrapped))
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(prob.HTTPStatus)
		} else {
			c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
			writeErr = c.JSON(prob.HTTPStatus, prob)
		}
		if writeErr != nil {
			baseLogger.Error("Failed to write error response", zap.Error(writeErr))
		}
	}
}

// SetupRouter defines all HTTP and HTTPS routes.
func SetupRouter(httpInstance, httpsInstance *echo.Echo, handlers *acme.Handlers) {
	// --- HTTP routes ---
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certforge is running")
	})
	// http-01 validation answers MUST be reachable over plain HTTP
	// (RFC 8555, section 8.3).
	httpInstance.GET("/.well-known/acme-challenge/:token", handlers.HandleHTTP01Challenge)
	httpInstance.GET("/crl/:serial", handlers.HandleCRL)

	// --- HTTPS routes ---
	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certforge is running")
	})
	httpsInstance.GET("/crl/:serial", handlers.HandleCRL)

	acmeGroup := httpsInstance.Group("/acme/:serial", handlers.StampACMEHeaders)
	acmeGroup.GET("/directory", handlers.HandleDirectory)
	acmeGroup.HEAD("/new-nonce", handlers.HandleNewNonce)
	acmeGroup.GET("/new-nonce", handlers.HandleNewNonce)
	acmeGroup.POST("/new-account", handlers.HandleNewAccount)
	acmeGroup.POST("/account/:slug", handlers.HandleAccount)
	acmeGroup.POST("/account/:slug/orders", handlers.HandleAccountOrders)
	acmeGroup.POST("/new-order", handlers.HandleNewOrder)
	acmeGroup.POST("/order/:slug", handlers.HandleGetOrder)
	acmeGroup.POST("/order/:slug/finalize", handlers.HandleFinalize)
	acmeGroup.POST("/authz/:slug", handlers.HandleAuthorization)
	acmeGroup.POST("/chall/:slug", handlers.HandleChallenge)
	acmeGroup.POST("/cert/:slug", handlers.HandleCertificate)
	acmeGroup.POST("/revoke-cert", handlers.HandleRevokeCertificate)
}
