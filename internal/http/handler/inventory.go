// Package handler exposes the inventory HTTP surface: point reads with ETags
// and the adjust/reserve write commands.
package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
	"github.com/retailgrid/inventory-server/internal/http/httperr"
	"github.com/retailgrid/inventory-server/internal/resilience"
	"github.com/retailgrid/inventory-server/internal/service"
	"github.com/retailgrid/inventory-server/pkg/jsonx"
)

// InventoryHandler carries the command core and the api bulkhead the write
// commands are admitted through.
type InventoryHandler struct {
	log *zap.Logger
	svc *service.InventoryService
	api *resilience.Bulkhead
}

// NewInventoryHandler wires the handler.
func NewInventoryHandler(log *zap.Logger, svc *service.InventoryService, api *resilience.Bulkhead) *InventoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryHandler{log: log.Named("inventory_handler"), svc: svc, api: api}
}

type adjustReq struct {
	Delta           *int64 `json:"delta"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type reserveReq struct {
	Qty             *int64 `json:"qty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type commandResp struct {
	Qty     int64 `json:"qty"`
	Version int64 `json:"version"`
}

// GetStock handles GET /stores/:storeId/inventory/:sku.
func (h *InventoryHandler) GetStock(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("storeId"), c.Param("sku"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.Header("ETag", etag(rec.Version))
	c.JSON(http.StatusOK, rec)
}

// ListStock handles GET /stores/:storeId/inventory.
func (h *InventoryHandler) ListStock(c *gin.Context) {
	recs, err := h.svc.ListByStore(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// Adjust handles POST /stores/:storeId/inventory/:sku/adjust.
func (h *InventoryHandler) Adjust(c *gin.Context) {
	var req adjustReq
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		httperr.Abort(c, apperr.Validation(apperr.CodeValidation, "invalid body: %v", err))
		return
	}
	if req.Delta == nil {
		httperr.Abort(c, apperr.Validation(apperr.CodeValidation, "delta is required"))
		return
	}

	expected, err := h.expectedVersion(c, req.ExpectedVersion)
	if err != nil {
		httperr.Abort(c, err)
		return
	}

	cmd := service.AdjustCommand{
		StoreID:         c.Param("storeId"),
		SKU:             c.Param("sku"),
		Delta:           *req.Delta,
		ExpectedVersion: expected,
		IdempotencyKey:  c.GetHeader("Idempotency-Key"),
	}
	h.run(c, func() (service.Result, error) {
		return h.svc.Adjust(c.Request.Context(), cmd)
	})
}

// Reserve handles POST /stores/:storeId/inventory/:sku/reserve.
// A reserve of 0 is accepted: it bumps the version without changing stock.
func (h *InventoryHandler) Reserve(c *gin.Context) {
	var req reserveReq
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		httperr.Abort(c, apperr.Validation(apperr.CodeValidation, "invalid body: %v", err))
		return
	}
	if req.Qty == nil {
		httperr.Abort(c, apperr.Validation(apperr.CodeValidation, "qty is required"))
		return
	}
	if *req.Qty < 0 {
		httperr.Abort(c, apperr.Validation(apperr.CodeValidation, "qty must be >= 0, got %d", *req.Qty))
		return
	}

	expected, err := h.expectedVersion(c, req.ExpectedVersion)
	if err != nil {
		httperr.Abort(c, err)
		return
	}

	cmd := service.ReserveCommand{
		StoreID:         c.Param("storeId"),
		SKU:             c.Param("sku"),
		Qty:             *req.Qty,
		ExpectedVersion: expected,
		IdempotencyKey:  c.GetHeader("Idempotency-Key"),
	}
	h.run(c, func() (service.Result, error) {
		return h.svc.Reserve(c.Request.Context(), cmd)
	})
}

// run admits the command through the api bulkhead and writes the response.
func (h *InventoryHandler) run(c *gin.Context, cmd func() (service.Result, error)) {
	var res service.Result
	err := h.api.Run(c.Request.Context(), func(ctx context.Context) error {
		var err error
		res, err = cmd()
		return err
	})
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.Header("ETag", etag(res.Version))
	c.JSON(http.StatusOK, commandResp{Qty: res.Qty, Version: res.Version})
}

// expectedVersion resolves the precondition: the If-Match header wins over
// the body field when both are present. A body value must be positive.
func (h *InventoryHandler) expectedVersion(c *gin.Context, body *int64) (*int64, error) {
	fromHeader, err := ParseIfMatch(c.GetHeader("If-Match"))
	if err != nil {
		return nil, err
	}
	if fromHeader != nil {
		return fromHeader, nil
	}
	if body != nil && *body <= 0 {
		return nil, apperr.Validation(apperr.CodeValidation, "expectedVersion must be > 0, got %d", *body)
	}
	return body, nil
}

func etag(version int64) string { return fmt.Sprintf("%q", fmt.Sprintf("%d", version)) }
