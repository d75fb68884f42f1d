package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/pos"
	"github.com/orrn/posqueue/internal/store"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, order *core.Order) (*pos.PlaceResult, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (*core.QueueItem, error)
	UpsertRecords(ctx context.Context, syncType string, records []core.Record) (*core.QueueItem, error)
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type UpsertRecordsRequest struct {
	Records []core.Record `json:"records" binding:"required"`
}

type OrderHandler struct {
	service OrderService
}

func NewOrderHandler(service OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		core.ErrEmptyOrder,
		core.ErrMissingOrderID,
		core.ErrInvalidQuantity,
		core.ErrNoRecords,
		core.ErrMissingSyncType,
		pos.ErrMissingStatus,
		pos.ErrMissingRecordID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	var order core.Order
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.PlaceOrder(c.Request.Context(), &order)
	if err != nil {
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to place order"})
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case isValidationError(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update order"})
		}
		return
	}

	c.JSON(http.StatusAccepted, item)
}

func (h *OrderHandler) UpsertRecords(c *gin.Context) {
	var req UpsertRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.UpsertRecords(c.Request.Context(), c.Param("type"), req.Records)
	if err != nil {
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save records"})
		return
	}

	c.JSON(http.StatusAccepted, item)
}

func (h *OrderHandler) RegisterRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders")
	{
		orders.POST("", h.PlaceOrder)
		orders.PATCH("/:id/status", h.UpdateStatus)
	}
	r.POST("/records/:type", h.UpsertRecords)
}
