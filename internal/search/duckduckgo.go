package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/nugget/chatcore/internal/httpkit"
	"github.com/nugget/chatcore/internal/settings"
)

// DefaultDuckDuckGoURL serves DuckDuckGo's JavaScript-free result page.
const DefaultDuckDuckGoURL = "https://html.duckduckgo.com"

// DuckDuckGo scrapes DuckDuckGo's HTML result page.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider. An empty baseURL uses
// DefaultDuckDuckGoURL.
func NewDuckDuckGo(baseURL string) *DuckDuckGo {
	if baseURL == "" {
		baseURL = DefaultDuckDuckGoURL
	}
	return &DuckDuckGo{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithUserAgent(browserUserAgent),
		),
	}
}

// Name implements Provider.
func (d *DuckDuckGo) Name() string { return settings.SERPDuckDuckGo }

// Search implements Provider.
func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	reqURL := d.baseURL + "/html/?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Accept", acceptHTML)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse page: %w", err)
	}
	return parseDuckDuckGo(doc, opts.count()), nil
}

// Ping checks that the search root answers.
func (d *DuckDuckGo) Ping(ctx context.Context) error {
	return httpkit.Probe(ctx, d.httpClient, d.baseURL+"/html/")
}

// parseDuckDuckGo extracts results from "result" blocks, skipping ads.
// Title links point at a redirector carrying the target in "uddg".
func parseDuckDuckGo(doc *html.Node, count int) []Result {
	blocks := findAll(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, "result") && !hasClass(n, "result--ad")
	})
	results := make([]Result, 0, count)
	for _, b := range blocks {
		if len(results) >= count {
			break
		}
		link := find(b, withClass("result__a"))
		if link == nil {
			continue
		}
		title := text(link)
		href := unwrapRedirect(attr(link, "href"))
		if title == "" || href == "" {
			continue
		}
		results = append(results, Result{
			Title:   title,
			URL:     href,
			Snippet: text(find(b, withClass("result__snippet"))),
		})
	}
	return results
}

// unwrapRedirect returns the uddg target of a DuckDuckGo redirect link,
// or href unchanged.
func unwrapRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasPrefix(u.Path, "/l/") {
		return target
	}
	return href
}
