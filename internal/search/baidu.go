package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/nugget/chatcore/internal/httpkit"
	"github.com/nugget/chatcore/internal/settings"
)

// DefaultBaiduURL is the Baidu web search root.
const DefaultBaiduURL = "https://www.baidu.com"

// Baidu scrapes Baidu's web result page.
type Baidu struct {
	baseURL    string
	httpClient *http.Client
}

// NewBaidu creates a Baidu provider. An empty baseURL uses
// DefaultBaiduURL.
func NewBaidu(baseURL string) *Baidu {
	if baseURL == "" {
		baseURL = DefaultBaiduURL
	}
	return &Baidu{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithUserAgent(browserUserAgent),
		),
	}
}

// Name implements Provider.
func (b *Baidu) Name() string { return settings.SERPBaidu }

// Search implements Provider.
func (b *Baidu) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.count()
	params := url.Values{
		"wd": {query},
		"rn": {strconv.Itoa(count)},
		"ie": {"utf-8"},
	}
	reqURL := b.baseURL + "/s?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("baidu: build request: %w", err)
	}
	req.Header.Set("Accept", acceptHTML)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.6")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("baidu: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("baidu: %w", err)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("baidu: parse page: %w", err)
	}
	return parseBaidu(doc, count), nil
}

// Ping checks that the search root answers.
func (b *Baidu) Ping(ctx context.Context) error {
	return httpkit.Probe(ctx, b.httpClient, b.baseURL)
}

// parseBaidu extracts organic results. Each result is a container with
// class "c-container" holding an h3 link; the snippet lives in a
// "c-abstract" element or, on newer layouts, a "c-span-last" column.
func parseBaidu(doc *html.Node, count int) []Result {
	containers := findAll(doc, withClass("c-container"))
	results := make([]Result, 0, count)
	for _, c := range containers {
		if len(results) >= count {
			break
		}
		h3 := find(c, element("h3"))
		if h3 == nil {
			continue
		}
		link := find(h3, element("a"))
		if link == nil {
			continue
		}
		href := attr(c, "mu")
		if href == "" {
			href = attr(link, "href")
		}
		title := text(link)
		if title == "" || href == "" {
			continue
		}

		snippetNode := find(c, withClass("c-abstract"))
		if snippetNode == nil {
			snippetNode = find(c, withClass("c-span-last"))
		}
		results = append(results, Result{
			Title:   title,
			URL:     href,
			Snippet: text(snippetNode),
		})
	}
	return results
}
