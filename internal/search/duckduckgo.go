package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultDuckDuckGoURL is the JavaScript-free DuckDuckGo results page.
const DefaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint. It needs no API key.
type DuckDuckGo struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider. An empty endpoint selects
// DefaultDuckDuckGoURL.
func NewDuckDuckGo(endpoint string, timeout time.Duration) *DuckDuckGo {
	if endpoint == "" {
		endpoint = DefaultDuckDuckGoURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DuckDuckGo{
		endpoint:   endpoint,
		userAgent:  "Mozilla/5.0 (compatible; companion/1.0)",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count <= 0 {
		count = 5
	}

	form := url.Values{"q": {query}}
	if opts.Language != "" {
		form.Set("kl", opts.Language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse results: %w", err)
	}
	results := parseDuckDuckGo(doc)
	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// parseDuckDuckGo walks the results page. Each result__a anchor opens a
// result; the following result__snippet fills in its snippet.
func parseDuckDuckGo(doc *html.Node) []Result {
	var results []Result
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result__a"):
				results = append(results, Result{
					Title: collapse(textContent(n)),
					URL:   resolveDuckDuckGoLink(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = collapse(textContent(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out := results[:0]
	for _, r := range results {
		if r.URL != "" && r.Title != "" {
			out = append(out, r)
		}
	}
	return out
}

// resolveDuckDuckGoLink unwraps DuckDuckGo's redirect links
// (//duckduckgo.com/l/?uddg=<target>) to the target URL.
func resolveDuckDuckGoLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
