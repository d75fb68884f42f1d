package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posqueue/internal/core"
)

type PrintController interface {
	State() core.PrintState
	Jobs() []core.PrintJob
	Failed(ctx context.Context) ([]core.PrintJob, error)
	Reprint(ctx context.Context, jobID string) (*core.PrintJob, error)
}

type PrintHandler struct {
	print PrintController
}

func NewPrintHandler(scheduler PrintController) *PrintHandler {
	return &PrintHandler{print: scheduler}
}

func (h *PrintHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.print.Jobs()})
}

func (h *PrintHandler) ListFailed(c *gin.Context) {
	jobs, err := h.print.Failed(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failed jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *PrintHandler) Reprint(c *gin.Context) {
	job, err := h.print.Reprint(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reprint job"})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *PrintHandler) RegisterRoutes(r *gin.RouterGroup) {
	print := r.Group("/print")
	{
		print.GET("/jobs", h.ListJobs)
		print.GET("/failed", h.ListFailed)
		print.POST("/failed/:id/reprint", h.Reprint)
	}
}
