// Package publicapi implements the "publicApi" aggregator family: a set
// of free JSON HTTP services that answer the same kinds of requests
// (daily news, hot lists, weather, quotes). The input is a path relative
// to the service root, e.g. "v2/60s".
package publicapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/chatcore/internal/httpkit"
	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
)

// DefaultBaseURLs are the service roots used when configuration does not
// override them.
var DefaultBaseURLs = map[string]string{
	settings.PublicAPIViki:  "https://60s.viki.moe",
	settings.PublicAPITen:   "https://tenapi.cn",
	settings.PublicAPIVvHan: "https://api.vvhan.com/api",
	settings.PublicAPIQqsuu: "https://api.qqsuu.cn/api",
	settings.PublicAPI770a:  "https://api.770a.cn/api",
}

const maxBodyBytes = 1 << 20

// Client calls one public API service.
type Client struct {
	id         string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for provider id. An empty baseURL falls back to
// DefaultBaseURLs.
func New(id, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURLs[id]
	}
	return &Client{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(1, 500*time.Millisecond),
		),
	}
}

// envelope is the common response wrapper: {"code":200,"msg":"...","data":...}.
type envelope struct {
	Code    *json.Number    `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// Invoke implements tools.Provider.
func (c *Client) Invoke(ctx context.Context, input string, _ tools.Config) (string, error) {
	if c.baseURL == "" {
		return "", &tools.Error{Kind: tools.ConfigMissing, Message: "no base URL for " + c.id}
	}
	path := strings.TrimLeft(strings.TrimSpace(input), "/")
	if path == "" {
		return "", fmt.Errorf("%s: request path is required", c.id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", c.id, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", c.id, err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("%s: %w", c.id, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", c.id, err)
	}
	return unwrap(c.id, body)
}

// unwrap returns the "data" member of a JSON envelope, or the body as
// text when it is not one. A non-success code fails the call.
func unwrap(id string, body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%s: empty response", id)
	}

	var env envelope
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &env) != nil {
		return string(trimmed), nil
	}

	if env.Code != nil {
		code := env.Code.String()
		if code != "200" && code != "0" && code != "1" {
			msg := env.Message
			if msg == "" {
				msg = "code " + code
			}
			return "", fmt.Errorf("%s: %s", id, msg)
		}
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return string(trimmed), nil
	}
	var s string
	if json.Unmarshal(env.Data, &s) == nil {
		return s, nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, env.Data, "", "  "); err != nil {
		return string(env.Data), nil
	}
	return out.String(), nil
}

// Ping checks that the service root answers.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return nil
	}
	return httpkit.Probe(ctx, c.httpClient, c.baseURL)
}
