package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"
	applogger "FxDesk/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Review event types.
const (
	EventReviewRequired = "review_required"
	EventReviewDecided  = "review_decided"
	EventReviewExpired  = "review_expired"
)

// ReviewEvent is the frame pushed to reviewers.
type ReviewEvent struct {
	Type string             `json:"type"`
	Run  models.WorkflowRun `json:"run"`
	At   time.Time          `json:"at"`
}

// Hub pushes review events to every connected reviewer.
type Hub struct {
	log          *applogger.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewHub(log *applogger.Logger, pingInterval time.Duration) *Hub {
	if log == nil {
		log = applogger.Nop()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		writeTimeout: 10 * time.Second,
		sendBuffer:   64,
		clients:      map[*client]struct{}{},
	}
}

func (h *Hub) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/reviews", h.Serve)
}

// Serve upgrades the request and streams events until the peer leaves.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", applogger.Error(err))
		return nil
	}
	cl := &client{conn: conn, send: make(chan []byte, h.sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("reviewer connected", applogger.String("remote", c.RealIP()), applogger.Int("clients", n))

	go h.writeLoop(cl)
	h.readLoop(cl)

	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	cl.close()
	h.log.Info("reviewer disconnected", applogger.String("remote", c.RealIP()))
	return nil
}

// readLoop drains control frames so pongs and closes are processed.
func (h *Hub) readLoop(cl *client) {
	_ = cl.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.done:
			return
		case b := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		}
	}
}

// NotifyReview broadcasts the run. Slow reviewers miss events rather than
// block the orchestrator.
func (h *Hub) NotifyReview(_ context.Context, run models.WorkflowRun) {
	ev := ReviewEvent{Type: eventType(run), Run: run, At: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode review event", applogger.String("run_id", run.RunID), applogger.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.send <- b:
		default:
			h.log.Warn("reviewer too slow, event dropped", applogger.String("run_id", run.RunID))
		}
	}
}

// Clients is the number of connected reviewers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every reviewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		cl.close()
		delete(h.clients, cl)
	}
}

func eventType(run models.WorkflowRun) string {
	switch {
	case run.State == models.StateDeferred:
		return EventReviewExpired
	case run.Decision != nil || run.State.IsTerminal():
		return EventReviewDecided
	default:
		return EventReviewRequired
	}
}

var _ service.ReviewNotifier = (*Hub)(nil)
