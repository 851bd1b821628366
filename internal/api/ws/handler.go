package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

const (
	transport  = "websocket"
	writeWait  = 5 * time.Second
	closeGrace = time.Second
)

// Frame types.
const (
	FrameTrace     = "trace"
	FrameKeepalive = "keepalive"
	FrameTimeout   = "timeout"
)

// Frame is one message on a live stream socket.
type Frame struct {
	Type  string       `json:"type"`
	Trace *trace.Entry `json:"trace,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

// Handler serves live chain streams over WebSocket.
type Handler struct {
	collector *collector.Collector
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(c *collector.Collector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{collector: c, logger: logger}
}

// WithMetrics adds stream metrics
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// HandleStream upgrades the connection and runs one chain stream on it. The
// optional timeout query parameter is in seconds.
func (h *Handler) HandleStream(c *gin.Context) {
	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a non-negative integer"})
		return
	}
	id := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.StreamOpened(transport)
	defer h.metrics.StreamClosed(transport)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go drain(conn, cancel)

	sink := &socketSink{conn: conn, metrics: h.metrics}
	err = h.collector.Stream(ctx, id, timeout, sink)
	switch {
	case err == nil:
		sink.close(websocket.CloseNormalClosure, FrameTimeout)
	case ctx.Err() == nil:
		h.logger.Debug("WebSocket stream ended", zap.String("correlation_id", id), zap.Error(err))
	}
}

// drain reads until the peer goes away. Client messages are ignored.
func drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, strconv.ErrSyntax
	}
	return time.Duration(secs) * time.Second, nil
}

// socketSink writes stream frames as JSON text messages.
type socketSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *monitoring.Metrics
}

func (s *socketSink) Trace(e trace.Entry) error {
	return s.send(Frame{Type: FrameTrace, Trace: &e})
}

func (s *socketSink) Keepalive() error {
	return s.send(Frame{Type: FrameKeepalive})
}

func (s *socketSink) End() error {
	return s.send(Frame{Type: FrameTimeout})
}

func (s *socketSink) send(f Frame) error {
	payload, err := sonic.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	s.metrics.RecordStreamEvent(transport, f.Type)
	return nil
}

func (s *socketSink) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}
