package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/ledgergate/internal/gateway/service"
	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

// statusFor maps a gateway or store error to an HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrNotOwned), errors.Is(err, ledgerstore.ErrLedgerClosed):
		return http.StatusConflict
	case errors.Is(err, ledgerstore.ErrNoSuchLedger), errors.Is(err, ledgerstore.ErrNoSuchEntry):
		return http.StatusNotFound
	case errors.Is(err, ledgerstore.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledgerstore.ErrNotEnoughBookies),
		errors.Is(err, ledgerstore.ErrQuorumUnsatisfiable),
		errors.Is(err, ledgerstore.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": "..."} with the mapped status.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
