package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result count bounds for a single query.
const (
	defaultSearchCount = 5
	maxSearchCount     = 10
)

const (
	searchTimeoutSeconds = 30
	braveSearchEndpoint  = "https://api.search.brave.com/res/v1/web/search"

	// DuckDuckGo's HTML endpoint refuses obvious bots, so requests carry
	// a desktop browser identity.
	webSearchUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider is one search backend the tool can query.
type SearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

// searchParams carries the normalized query arguments every backend
// understands. Backends ignore fields they cannot express.
type searchParams struct {
	Query      string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

// searchResult is one hit in backend-neutral form.
type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

var freshnessRangeRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)

// normalizeFreshness validates a freshness filter: the pd/pw/pm/py
// shortcuts or a YYYY-MM-DDtoYYYY-MM-DD range with start <= end.
// Anything else maps to "" and the filter is dropped.
func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		return ""
	case "pd", "pw", "pm", "py":
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errStart := time.Parse("2006-01-02", m[1])
		end, errEnd := time.Parse("2006-01-02", m[2])
		if errStart == nil && errEnd == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchTool queries the configured search backends, first success wins.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

// WebSearchConfig holds configuration for the web search tool.
type WebSearchConfig struct {
	BraveAPIKey  string
	BraveEnabled bool
	DDGEnabled   bool
	CacheTTL     time.Duration
}

// NewWebSearchTool returns nil when no backend is enabled; callers skip
// registration in that case.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var providers []SearchProvider
	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		providers = append(providers, newBraveSearch(cfg.BraveAPIKey))
	}
	if cfg.DDGEnabled {
		providers = append(providers, newDDGSearch())
	}
	if len(providers) == 0 {
		return nil
	}
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(defaultCacheMaxEntries, cacheTTLOrDefault(cfg.CacheTTL)),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets. Use for anything that may have changed since training."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search for.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "How many results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"country": map[string]interface{}{
				"type":        "string",
				"description": "Two-letter country code to localize results ('DE', 'US', 'ALL').",
			},
			"search_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for the results ('de', 'en', 'fr').",
			},
			"ui_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for result page UI elements.",
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Limit results by age: 'pd' (day), 'pw' (week), 'pm' (month), 'py' (year), or a 'YYYY-MM-DDtoYYYY-MM-DD' range.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}

	params := searchParams{Query: query, Count: defaultSearchCount}
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		params.Count = int(c)
	}
	params.Country, _ = args["country"].(string)
	params.SearchLang, _ = args["search_lang"].(string)
	params.UILang, _ = args["ui_lang"].(string)
	params.Freshness, _ = args["freshness"].(string)

	cacheKey := searchCacheKey(params)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_search cache hit", "query", query)
		return NewResult(cached)
	}

	var lastErr error
	for _, provider := range t.providers {
		results, err := provider.Search(ctx, params)
		if err != nil {
			slog.Warn("web_search provider failed", "provider", provider.Name(), "error", err)
			lastErr = err
			continue
		}
		wrapped := wrapExternalContent(formatSearchResults(query, results, provider.Name()), "Web Search", false)
		t.cache.set(cacheKey, wrapped)
		return NewResult(wrapped)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

func searchCacheKey(p searchParams) string {
	fields := []string{p.Query, strconv.Itoa(p.Count), p.Country, p.SearchLang, p.UILang, p.Freshness}
	for i, f := range fields {
		if f == "" {
			fields[i] = "default"
		}
	}
	return strings.Join(fields, ":")
}

func formatSearchResults(query string, results []searchResult, provider string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// fetchSearchPage GETs a search backend endpoint and returns the status
// code with the full response body. Status handling is left to the caller
// since the backends disagree on what non-200 means.
func fetchSearchPage(ctx context.Context, client *http.Client, endpoint string, header map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
