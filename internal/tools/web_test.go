package tools

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" pm ", "pm"},
		{"py", "py"},
		{"2024-01-01to2024-06-30", "2024-01-01to2024-06-30"},
		{"2024-06-30to2024-01-01", ""}, // start after end
		{"2024-13-01to2024-12-31", ""}, // invalid month
		{"yesterday", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeFreshness(tt.in); got != tt.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckSSRF(t *testing.T) {
	blocked := []string{
		"http://127.0.0.1/admin",
		"http://localhost:8080/",
		"http://10.1.2.3/",
		"http://192.168.1.1/",
		"http://172.16.0.9/",
		"http://169.254.169.254/latest/meta-data",
		"http://100.100.1.1/", // tailnet / CGNAT
		"http://0.0.0.0/",
		"http://[::1]/",
	}
	for _, u := range blocked {
		if err := checkSSRF(u); err == nil {
			t.Errorf("checkSSRF(%q) should fail", u)
		}
	}

	// Literal public addresses need no DNS and must pass.
	for _, u := range []string{"http://93.184.216.34/", "https://8.8.8.8/"} {
		if err := checkSSRF(u); err != nil {
			t.Errorf("checkSSRF(%q) = %v, want nil", u, err)
		}
	}
}

func TestWebCacheExpiry(t *testing.T) {
	c := newWebCache(4, 50*time.Millisecond)
	c.set("k", "v")
	if got, ok := c.get("k"); !ok || got != "v" {
		t.Fatalf("get = %q, %v", got, ok)
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("entry should have expired")
	}
}

func TestWrapExternalContent(t *testing.T) {
	wrapped := wrapExternalContent("hello", "Web Search", false)
	if !strings.Contains(wrapped, `<external_content source="Web Search">`) {
		t.Errorf("missing opening marker: %q", wrapped)
	}
	if !strings.Contains(wrapped, "reference data only") {
		t.Errorf("missing note: %q", wrapped)
	}
	if got := wrapExternalContent("already marked", "Web Fetch", true); got != "already marked" {
		t.Errorf("marked content should pass through, got %q", got)
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><script>junk()</script><style>.x{}</style></head>
<body><h1>Title</h1><p>Hello <strong>world</strong></p>
<ul><li>one</li><li>two</li></ul>
<a href="https://example.com">link</a></body></html>`

	md := htmlToMarkdown(html)
	for _, want := range []string{"# Title", "**world**", "- one", "- two", "[link](https://example.com)"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "junk") || strings.Contains(md, ".x{}") {
		t.Errorf("script/style should be stripped:\n%s", md)
	}
}

func TestExtractDDGResults(t *testing.T) {
	html := `
<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&amp;rut=abc">Example <b>Title</b></a>
<a class="result__snippet" href="#">A short snippet</a>`

	results, err := extractDDGResults(html, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Title != "Example Title" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].URL != "https://example.com/page" {
		t.Errorf("url = %q", results[0].URL)
	}
	if results[0].Description != "A short snippet" {
		t.Errorf("description = %q", results[0].Description)
	}
}

func TestFormatSearchResults(t *testing.T) {
	out := formatSearchResults("golang", []searchResult{
		{Title: "The Go Programming Language", URL: "https://go.dev", Description: "Build fast software"},
	}, "brave")
	for _, want := range []string{"Search results for: golang", "(via brave)", "1. The Go Programming Language", "https://go.dev", "Build fast software"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := formatSearchResults("nohits", nil, "brave"); !strings.Contains(got, "No results found") {
		t.Errorf("empty results = %q", got)
	}
}
