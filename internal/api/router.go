// Package api exposes the pipeline over HTTP for the POS front end: checkout,
// catalog edits, connectivity, manual sync and reprint controls, plus a
// websocket feed of every pipeline event.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/orrn/posqueue/internal/api/handlers"
	"github.com/orrn/posqueue/internal/api/middleware"
	"github.com/orrn/posqueue/internal/events"
)

type Deps struct {
	DeviceID   string
	APIKeyHash string
	Orders     handlers.OrderService
	Sync       handlers.SyncController
	Print      handlers.PrintController
	Printers   handlers.PrinterRegistry
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Router is the gin engine plus the handlers that hold connections open.
type Router struct {
	Engine *gin.Engine
	events *handlers.EventsHandler
}

func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger(deps.Logger))

	status := handlers.NewStatusHandler(deps.DeviceID, deps.Sync, deps.Print, deps.Printers)
	engine.GET("/healthz", status.Health)

	auth := middleware.NewAuthMiddleware(deps.APIKeyHash)
	if !auth.Enabled() {
		deps.Logger.Warn("API key authentication disabled")
	}

	api := engine.Group("/api")
	api.Use(auth.RequireAuth())

	ev := handlers.NewEventsHandler(deps.Bus, deps.Logger)
	status.RegisterRoutes(api)
	handlers.NewOrderHandler(deps.Orders).RegisterRoutes(api)
	handlers.NewSyncHandler(deps.Sync).RegisterRoutes(api)
	handlers.NewPrintHandler(deps.Print).RegisterRoutes(api)
	ev.RegisterRoutes(api)

	return &Router{Engine: engine, events: ev}
}

// Close ends open event streams.
func (r *Router) Close() {
	r.events.Close()
}
