package acme

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/certforge/certforge/internal/storage"
)

// directoryMeta is the optional "meta" directory field (RFC 8555, section
// 7.1.1).
type directoryMeta struct {
	Website        string   `json:"website,omitempty"`
	TermsOfService string   `json:"termsOfService,omitempty"`
	CAAIdentities  []string `json:"caaIdentities,omitempty"`
}

// HandleDirectory serves GET /acme/:serial/directory. A random entry is
// included so clients do not depend on the exact field set.
func (h *Handlers) HandleDirectory(c echo.Context) error {
	ctx := c.Request().Context()
	serial := c.Param("serial")
	caRecord, err := h.store.GetCA(ctx, serial)
	if err != nil || !caRecord.ACMEEnabled {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return InternalErrorProblem(err)
		}
		return NotFoundProblem(fmt.Sprintf("%s: CA not found.", serial))
	}

	directory := map[string]interface{}{
		"newNonce":   h.links.NewNonce(caRecord.Serial),
		"newAccount": h.links.NewAccount(caRecord.Serial),
		"newOrder":   h.links.NewOrder(caRecord.Serial),
		"revokeCert": h.links.RevokeCert(caRecord.Serial),
		randomDirectoryKey(): "https://community.letsencrypt.org/t/adding-random-entries-to-the-directory/33417",
	}

	meta := directoryMeta{
		Website:        caRecord.Website,
		TermsOfService: caRecord.TermsOfService,
	}
	if caRecord.CAAIdentity != "" {
		meta.CAAIdentities = []string{caRecord.CAAIdentity}
	}
	if meta.Website != "" || meta.TermsOfService != "" || len(meta.CAAIdentities) > 0 {
		directory["meta"] = meta
	}
	return c.JSON(http.StatusOK, directory)
}

func randomDirectoryKey() string {
	data := make([]byte, 6)
	if _, err := rand.Read(data); err != nil {
		return "aaaaaaaa"
	}
	return base64.RawURLEncoding.EncodeToString(data)
}
