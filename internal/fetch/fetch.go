// Package fetch implements the "browse" family: it downloads a page,
// checks every host it touches against the turn's allow/deny lists, and
// returns the page's readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/chatcore/internal/httpkit"
	"github.com/nugget/chatcore/internal/settings"
)

// Limits.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxBytes int64 = 5 * 1024 * 1024
	DefaultMaxChars       = 50000
	maxRedirects          = 10
)

// ErrHostBlocked is returned when a URL or redirect target is refused by
// the browse lists.
var ErrHostBlocked = errors.New("host not permitted")

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

type listsKey struct{}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher. maxChars bounds the extracted text; zero uses
// DefaultMaxChars.
func New(maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	client := httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout))
	client.CheckRedirect = checkRedirect
	return &Fetcher{
		client:   client,
		maxBytes: DefaultMaxBytes,
		maxChars: maxChars,
	}
}

// checkRedirect applies the request's browse lists to every hop.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	lists, _ := req.Context().Value(listsKey{}).(settings.BrowseLists)
	if !lists.Permits(req.URL.Hostname()) {
		return fmt.Errorf("redirect to %s: %w", req.URL.Hostname(), ErrHostBlocked)
	}
	return nil
}

// Fetch downloads rawURL and extracts readable text. A URL without a
// scheme is fetched over https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, lists settings.BrowseLists) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("browse: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("browse: invalid url %q", rawURL)
	}
	if !lists.Permits(u.Hostname()) {
		return nil, fmt.Errorf("browse: %s: %w", u.Hostname(), ErrHostBlocked)
	}

	ctx = context.WithValue(ctx, listsKey{}, lists)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("browse: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browse: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("browse: %w", httpkit.CheckStatus(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("browse: read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	res := &Result{
		URL:         resp.Request.URL.String(),
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(contentType):
		res.Title, res.Content = extractHTML(string(body))
	case isPlainText(contentType), utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
		res.Length = len(body)
		return res, nil
	}

	if utf8.RuneCountInString(res.Content) > f.maxChars {
		res.Content = truncateUTF8(res.Content, f.maxChars)
		res.Truncated = true
	}
	res.Length = len(res.Content)
	return res, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateUTF8 keeps the first maxChars runes of s.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
