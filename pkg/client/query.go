package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// ErrStatus wraps unexpected HTTP statuses from the query API.
var ErrStatus = errors.New("tracehub: unexpected status")

const ssePrefix = "data: "

// QueryClient reads traces back from a TraceHub server.
type QueryClient struct {
	resty  *resty.Client
	stream *resty.Client
}

// NewQueryClient creates a client for baseURL. timeout bounds snapshot
// calls; streams are bounded by their own server-side timeout.
func NewQueryClient(baseURL string, timeout time.Duration) *QueryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QueryClient{
		resty:  newResty(baseURL).SetTimeout(timeout),
		stream: newResty(baseURL),
	}
}

func newResty(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("User-Agent", "TraceHub-Client/1.0")
}

// Traces fetches the chain for correlationID, optionally limited to one source.
func (q *QueryClient) Traces(ctx context.Context, correlationID, source string) (*Chain, error) {
	var chain Chain
	req := q.resty.R().
		SetContext(ctx).
		SetPathParam("id", correlationID).
		SetResult(&chain)
	if source != "" {
		req.SetQueryParam("source", source)
	}

	resp, err := req.Get("/traces/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch traces: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status())
	}
	return &chain, nil
}

// Correlations lists the most recently active chains.
func (q *QueryClient) Correlations(ctx context.Context, limit int) ([]CorrelationSummary, error) {
	var out struct {
		Correlations []CorrelationSummary `json:"correlations"`
	}
	req := q.resty.R().
		SetContext(ctx).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	resp, err := req.Get("/correlations")
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status())
	}
	return out.Correlations, nil
}

// Stream follows the live SSE stream for correlationID and calls fn for
// every trace, history first. It returns nil when the server ends the
// stream, or the first error from fn.
func (q *QueryClient) Stream(ctx context.Context, correlationID string, timeout time.Duration, fn func(Entry) error) error {
	req := q.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("id", correlationID).
		SetHeader("Accept", "text/event-stream")
	if timeout > 0 {
		req.SetQueryParam("timeout", strconv.Itoa(int(timeout/time.Second)))
	}

	resp, err := req.Get("/traces/{id}/stream")
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte(ssePrefix)) {
			continue
		}
		data := line[len(ssePrefix):]

		var probe struct {
			Type string `json:"type"`
		}
		if err := sonic.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("malformed stream frame: %w", err)
		}
		if probe.Type == "timeout" {
			return nil
		}

		var e Entry
		if err := sonic.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("malformed stream frame: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return ctx.Err()
}
