package http

import (
	"bytes"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

const transportSSE = "sse"

var (
	ssePrefix     = []byte("data: ")
	sseTerminator = []byte("\n\n")
	sseKeepalive  = []byte(": keepalive\n\n")
	sseTimeout    = []byte("data: {\"type\":\"timeout\"}\n\n")
)

type flushWriter interface {
	http.ResponseWriter
	http.Flusher
}

// sseSink writes stream frames as server-sent events, flushing each one.
type sseSink struct {
	w       flushWriter
	buf     bytes.Buffer
	metrics *monitoring.Metrics
}

func newSSESink(w flushWriter, metrics *monitoring.Metrics) *sseSink {
	return &sseSink{w: w, metrics: metrics}
}

func (s *sseSink) Trace(e trace.Entry) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	s.buf.Reset()
	s.buf.Write(ssePrefix)
	s.buf.Write(payload)
	s.buf.Write(sseTerminator)
	return s.write(s.buf.Bytes(), "trace")
}

func (s *sseSink) Keepalive() error {
	return s.write(sseKeepalive, "keepalive")
}

func (s *sseSink) End() error {
	return s.write(sseTimeout, "timeout")
}

func (s *sseSink) write(frame []byte, kind string) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.w.Flush()
	s.metrics.RecordStreamEvent(transportSSE, kind)
	return nil
}
