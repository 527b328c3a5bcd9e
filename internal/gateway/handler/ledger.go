package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ledgergate/internal/codec"
	"github.com/jmerrifield20/ledgergate/internal/gateway/model"
	"github.com/jmerrifield20/ledgergate/internal/gateway/service"
)

// LedgerHandler exposes the ledger gateway over HTTP.
type LedgerHandler struct {
	svc    *service.LedgerService
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *service.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Register mounts the ledger routes on the given router group, normally
// /api/bookkeeper.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.PUT("/ledgers", h.CreateLedger)
	rg.GET("/ledgers", h.ListLedgers)
	rg.DELETE("/ledgers/:id", h.DeleteLedger)
	rg.POST("/ledgers-delete", h.DeleteLedgers)
	rg.GET("/owned-ledgers", h.OwnedLedgers)

	rg.PUT("/ledger/:id/entries", h.AppendEntry)

	l := rg.Group("/ledgers/:id")
	{
		l.GET("/entries", h.ListEntries)
		l.GET("/entries/:entryId", h.GetEntry)
		l.GET("/lac", h.GetLastAddConfirmed)
		l.GET("/last-entry", h.GetLastEntry)
	}
}

// CreateLedger handles PUT /ledgers. It returns the new ledger id as a bare
// JSON integer.
func (h *LedgerHandler) CreateLedger(c *gin.Context) {
	id, err := h.svc.CreateLedger(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	SetWriterHandles(len(h.svc.OwnedLedgers()))
	c.JSON(http.StatusOK, id)
}

// ListLedgers handles GET /ledgers.
func (h *LedgerHandler) ListLedgers(c *gin.Context) {
	ids, err := h.svc.ListLedgers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ids)
}

// OwnedLedgers handles GET /owned-ledgers: ids this instance can append to.
func (h *LedgerHandler) OwnedLedgers(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.OwnedLedgers())
}

// DeleteLedger handles DELETE /ledgers/:id.
func (h *LedgerHandler) DeleteLedger(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	err := h.svc.DeleteLedger(c.Request.Context(), id)
	SetWriterHandles(len(h.svc.OwnedLedgers()))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteLedgers handles POST /ledgers-delete with a JSON array of ids. Every
// id is attempted; on any failure the response carries the first error's
// status and the per-id results.
func (h *LedgerHandler) DeleteLedgers(c *gin.Context) {
	var ids []int64
	if err := c.ShouldBindJSON(&ids); err != nil {
		h.bindError(c, err, "body must be a JSON array of ledger ids")
		return
	}
	res, err := h.svc.DeleteLedgers(c.Request.Context(), ids)
	SetWriterHandles(len(h.svc.OwnedLedgers()))
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error":   err.Error(),
			"results": res.Results,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// AppendEntry handles PUT /ledger/:id/entries.
func (h *LedgerHandler) AppendEntry(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	var req model.AppendEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err, "body must be {\"content\": string}")
		return
	}
	payload, err := codec.Parse(req.Codec).Encode(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entryID, err := h.svc.AppendEntry(c.Request.Context(), id, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	RecordAppend(len(payload))
	c.JSON(http.StatusOK, model.AppendEntryResponse{LedgerID: id, EntryID: entryID})
}

// ListEntries handles GET /ledgers/:id/entries?codec=.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	entries, err := h.svc.ListEntries(c.Request.Context(), id, codec.Parse(c.Query("codec")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// GetEntry handles GET /ledgers/:id/entries/:entryId?codec=.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	entryID, err := strconv.ParseInt(c.Param("entryId"), 10, 64)
	if err != nil || entryID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entryId must be a non-negative integer"})
		return
	}
	entry, err := h.svc.GetEntry(c.Request.Context(), id, entryID, codec.Parse(c.Query("codec")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// GetLastAddConfirmed handles GET /ledgers/:id/lac.
func (h *LedgerHandler) GetLastAddConfirmed(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	lac, err := h.svc.GetLastAddConfirmed(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lac)
}

// GetLastEntry handles GET /ledgers/:id/last-entry?codec=.
func (h *LedgerHandler) GetLastEntry(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	entry, err := h.svc.GetLastEntry(c.Request.Context(), id, codec.Parse(c.Query("codec")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *LedgerHandler) bindError(c *gin.Context, err error, msg string) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// ledgerIDParam parses :id, writing a 400 when it is not an integer.
func ledgerIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ledger id must be an integer"})
		return 0, false
	}
	return id, true
}
