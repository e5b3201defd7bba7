package acme

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StampACMEHeaders adds the Replay-Nonce and directory index Link headers
// before the handler runs, so error responses carry a fresh nonce too
// (RFC 8555, sections 6.5 and 7.1).
func (h *Handlers) StampACMEHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		serial := c.Param("serial")
		if serial != "" {
			nonce, err := h.nonces.Issue(c.Request().Context(), serial)
			if err != nil {
				logger.Error("Failed to issue nonce", zap.String("ca", serial), zap.Error(err))
			} else {
				c.Response().Header().Set("Replay-Nonce", nonce)
			}
			c.Response().Header().Add("Link", fmt.Sprintf(`<%s>;rel="index"`, h.links.Directory(serial)))
		}
		return next(c)
	}
}
