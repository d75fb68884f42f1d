package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posqueue/internal/core"
)

type PrinterRegistry interface {
	ListPrinters() []core.Printer
}

type StatusResponse struct {
	DeviceID string          `json:"deviceId"`
	Sync     core.SyncStatus `json:"sync"`
	Print    core.PrintState `json:"print"`
	Printers []core.Printer  `json:"printers"`
}

type StatusHandler struct {
	deviceID string
	sync     SyncController
	print    PrintController
	printers PrinterRegistry
}

func NewStatusHandler(deviceID string, sync SyncController, scheduler PrintController, printers PrinterRegistry) *StatusHandler {
	return &StatusHandler{
		deviceID: deviceID,
		sync:     sync,
		print:    scheduler,
		printers: printers,
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *StatusHandler) Status(c *gin.Context) {
	resp := StatusResponse{
		DeviceID: h.deviceID,
		Sync:     h.sync.Status(),
		Print:    h.print.State(),
		Printers: []core.Printer{},
	}
	if h.printers != nil {
		resp.Printers = h.printers.ListPrinters()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *StatusHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.Status)
}
