package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/chatcore/internal/httpkit"
)

// sessionHeader carries the server-assigned session id.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes bounds a single JSON-RPC response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an [HTTPTransport].
type HTTPConfig struct {
	// URL is the MCP endpoint.
	URL string
	// AuthToken, when set, is sent as "Authorization: Bearer <token>".
	AuthToken string
	// Headers are extra headers sent with every request.
	Headers map[string]string
	// Client overrides the HTTP client; nil builds one with httpkit.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the endpoint. Replies may
// come back as a JSON body or as a text/event-stream whose first data
// event carries the response.
type HTTPTransport struct {
	url        string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates a transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// Per-call deadlines come from the router's context.
		client = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))
	}

	h := make(http.Header)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    h,
		httpClient: client,
		logger:     logger,
	}
}

func (t *HTTPTransport) post(ctx context.Context, msg any, accept string) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	for k, v := range t.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := httpkit.CheckStatus(httpResp); err != nil {
		return nil, fmt.Errorf("MCP server: %w", err)
	}

	body := io.LimitReader(httpResp.Body, maxResponseBytes)
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// readEventStream returns the first data event that answers id.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.ID != id || (resp.Result == nil && resp.Error == nil) {
			return nil, false
		}
		return &resp, true
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}

// Notify implements Transport. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := httpkit.CheckStatus(httpResp, http.StatusOK, http.StatusAccepted); err != nil {
		return fmt.Errorf("MCP server rejected %s: %w", notif.Method, err)
	}
	return nil
}

// Close implements Transport. HTTP connections stay pooled in the client.
func (t *HTTPTransport) Close() error {
	return nil
}
