package handlers

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/orrn/posqueue/internal/events"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// EventsHandler streams every bus topic to websocket clients as JSON text
// frames. A client that falls behind by more than eventBuffer events loses
// the overflow.
type EventsHandler struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	clients sync.WaitGroup
}

func NewEventsHandler(bus *events.Bus, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventsHandler{
		bus:    bus,
		logger: logger.With("component", "events-ws"),
		done:   make(chan struct{}),
	}
}

// Close disconnects all clients and waits for their goroutines.
func (h *EventsHandler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.clients.Wait()
}

func (h *EventsHandler) Stream(c *gin.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.clients.Add(1)
	h.mu.Unlock()
	defer h.clients.Done()

	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// Server read timeouts survive the hijack.
	_ = conn.SetReadDeadline(time.Time{})

	feed := make(chan events.Event, eventBuffer)
	var unsubscribe []func()
	for _, topic := range events.AllTopics {
		unsubscribe = append(unsubscribe, h.bus.Subscribe(topic, func(e events.Event) {
			select {
			case feed <- e:
			default:
				h.logger.Warn("dropping event for slow client", "topic", e.Topic)
			}
		}))
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	gone := make(chan struct{})
	go h.readUntilClosed(conn, gone)

	h.logger.Info("client connected", "remote", conn.RemoteAddr().String())
	defer h.logger.Info("client disconnected", "remote", conn.RemoteAddr().String())

	for {
		select {
		case <-h.done:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down"))
			return
		case <-gone:
			return
		case e := <-feed:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event", "topic", e.Topic, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerText(conn, data); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// readUntilClosed consumes client frames so pings are answered and a close
// or broken connection is noticed.
func (h *EventsHandler) readUntilClosed(conn net.Conn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}
