package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// braveSearch calls the Brave Search REST API.
type braveSearch struct {
	apiKey string
	client *http.Client
}

func newBraveSearch(apiKey string) *braveSearch {
	return &braveSearch{
		apiKey: apiKey,
		client: &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (p *braveSearch) Name() string { return "brave" }

// braveResponse is the slice of the API answer the tool surfaces.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (p *braveSearch) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	if params.Country != "" {
		q.Set("country", params.Country)
	}
	if params.SearchLang != "" {
		q.Set("search_lang", params.SearchLang)
	}
	if params.UILang != "" {
		q.Set("ui_lang", params.UILang)
	}
	if f := normalizeFreshness(params.Freshness); f != "" {
		q.Set("freshness", f)
	}

	status, body, err := fetchSearchPage(ctx, p.client, braveSearchEndpoint+"?"+q.Encode(), map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": p.apiKey,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", status, truncateStr(string(body), 200))
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, len(decoded.Web.Results))
	for _, r := range decoded.Web.Results {
		results = append(results, searchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Description,
		})
	}
	return results, nil
}
