package tools

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ddgSearch scrapes the DuckDuckGo HTML endpoint. Keyless, so it is the
// fallback backend when Brave has no subscription token.
type ddgSearch struct {
	client *http.Client
}

func newDDGSearch() *ddgSearch {
	return &ddgSearch{
		client: &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (p *ddgSearch) Name() string { return "duckduckgo" }

func (p *ddgSearch) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(params.Query)
	// The HTML endpoint serves a challenge page to unknown agents, so the
	// request carries a browser User-Agent.
	_, page, err := fetchSearchPage(ctx, p.client, endpoint, map[string]string{
		"User-Agent": webSearchUserAgent,
	})
	if err != nil {
		return nil, err
	}
	return extractDDGResults(string(page), params.Count)
}

var (
	ddgResultLinkRe = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe    = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	anyHTMLTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// extractDDGResults pulls up to count results out of a result page.
// Snippets pair with links by position; a page with fewer snippet anchors
// than result anchors just yields empty descriptions for the tail.
func extractDDGResults(html string, count int) ([]searchResult, error) {
	links := ddgResultLinkRe.FindAllStringSubmatch(html, count+5)
	if len(links) == 0 {
		return nil, nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i, m := range links {
		if i >= count {
			break
		}
		r := searchResult{
			Title: strings.TrimSpace(anyHTMLTagRe.ReplaceAllString(m[2], "")),
			URL:   unwrapDDGRedirect(m[1]),
		}
		if i < len(snippets) {
			r.Description = strings.TrimSpace(anyHTMLTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		results = append(results, r)
	}
	return results, nil
}

// unwrapDDGRedirect recovers the target URL from a /l/?uddg=… redirect
// wrapper. Anything after the next & belongs to the wrapper, not the
// target. Unparseable hrefs are returned as-is.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx < 0 {
		return raw
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp >= 0 {
		target = target[:amp]
	}
	return target
}
