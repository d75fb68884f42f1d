package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posqueue/internal/core"
)

type SyncController interface {
	Status() core.SyncStatus
	Items() []core.QueueItem
	SetOnline(online bool)
	ForceSync(ctx context.Context) (core.DrainResult, error)
	Resync(ctx context.Context, syncType string) (*core.QueueItem, error)
}

type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type ResyncResponse struct {
	Queued bool            `json:"queued"`
	Item   *core.QueueItem `json:"item,omitempty"`
}

type SyncHandler struct {
	sync SyncController
}

func NewSyncHandler(sync SyncController) *SyncHandler {
	return &SyncHandler{sync: sync}
}

func (h *SyncHandler) ListQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.sync.Items()})
}

func (h *SyncHandler) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.sync.SetOnline(*req.Online)
	c.JSON(http.StatusOK, h.sync.Status())
}

func (h *SyncHandler) ForceSync(c *gin.Context) {
	res, err := h.sync.ForceSync(c.Request.Context())
	if err != nil {
		if errors.Is(err, core.ErrOffline) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync"})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) Resync(c *gin.Context) {
	item, err := h.sync.Resync(c.Request.Context(), c.Param("type"))
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resync"})
		return
	}

	if item == nil {
		c.JSON(http.StatusOK, ResyncResponse{})
		return
	}
	c.JSON(http.StatusAccepted, ResyncResponse{Queued: true, Item: item})
}

func (h *SyncHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/connectivity", h.SetConnectivity)
	sync := r.Group("/sync")
	{
		sync.GET("/queue", h.ListQueue)
		sync.POST("/force", h.ForceSync)
		sync.POST("/resync/:type", h.Resync)
	}
}
