package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const browserTextMaxChars = 20000

// BrowserTool drives a Chromium page through rod. The browser launches
// lazily on first use and one page is shared across calls so the agent
// can navigate, then read or click in follow-up steps.
type BrowserTool struct {
	workspace string
	headless  bool

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

func NewBrowserTool(workspace string, headless bool) *BrowserTool {
	return &BrowserTool{workspace: workspace, headless: headless}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Automate a browser: open a URL, read the page text, click elements, take screenshots."
}
func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: open, text, click, screenshot, close",
				"enum":        []string{"open", "text", "click", "screenshot", "close"},
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (for action=open)",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector (for action=click)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "open":
		rawURL, _ := args["url"].(string)
		if rawURL == "" {
			return ErrorResult("url is required for open")
		}
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			return ErrorResult("only http and https URLs are supported")
		}
		page, err := t.ensurePage(ctx)
		if err != nil {
			return ErrorResult(fmt.Sprintf("browser launch failed: %v", err))
		}
		if err := page.Navigate(rawURL); err != nil {
			return ErrorResult(fmt.Sprintf("navigation failed: %v", err))
		}
		if err := page.WaitLoad(); err != nil {
			return ErrorResult(fmt.Sprintf("page load failed: %v", err))
		}
		info, err := page.Info()
		if err != nil {
			return NewResult(fmt.Sprintf("Opened %s", rawURL))
		}
		return NewResult(fmt.Sprintf("Opened %s\nTitle: %s", info.URL, info.Title))

	case "text":
		page, err := t.currentPage(ctx)
		if err != nil {
			return ErrorResult(err.Error())
		}
		body, err := page.Element("body")
		if err != nil {
			return ErrorResult(fmt.Sprintf("no body element: %v", err))
		}
		text, err := body.Text()
		if err != nil {
			return ErrorResult(fmt.Sprintf("text extraction failed: %v", err))
		}
		if len(text) > browserTextMaxChars {
			text = text[:browserTextMaxChars] + "\n...(truncated)"
		}
		return NewResult(wrapExternalContent(text, "Browser", false))

	case "click":
		selector, _ := args["selector"].(string)
		if selector == "" {
			return ErrorResult("selector is required for click")
		}
		page, err := t.currentPage(ctx)
		if err != nil {
			return ErrorResult(err.Error())
		}
		el, err := page.Element(selector)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element not found: %v", err))
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return ErrorResult(fmt.Sprintf("click failed: %v", err))
		}
		return NewResult(fmt.Sprintf("Clicked %s", selector))

	case "screenshot":
		page, err := t.currentPage(ctx)
		if err != nil {
			return ErrorResult(err.Error())
		}
		data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err))
		}
		dir := filepath.Join(t.workspace, "screenshots")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("cannot create screenshots dir: %v", err))
		}
		path := filepath.Join(dir, fmt.Sprintf("shot-%d.png", time.Now().UnixMilli()))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("cannot save screenshot: %v", err))
		}
		return NewResult(fmt.Sprintf("Screenshot saved to %s", relToWorkspace(t.workspace, path)))

	case "close":
		t.closeLocked()
		return SilentResult("browser closed")

	default:
		return ErrorResult("action must be one of: open, text, click, screenshot, close")
	}
}

// ensurePage launches the browser on first use.
func (t *BrowserTool) ensurePage(ctx context.Context) (*rod.Page, error) {
	if t.page != nil {
		return t.page.Context(ctx), nil
	}
	u, err := launcher.New().Headless(t.headless).Launch()
	if err != nil {
		return nil, err
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		browser.Close()
		return nil, err
	}
	t.browser = browser
	t.page = page
	return page.Context(ctx), nil
}

// currentPage requires an earlier open call.
func (t *BrowserTool) currentPage(ctx context.Context) (*rod.Page, error) {
	if t.page == nil {
		return nil, fmt.Errorf("no page open; use action=open first")
	}
	return t.page.Context(ctx), nil
}

func (t *BrowserTool) closeLocked() {
	if t.browser != nil {
		_ = t.browser.Close()
	}
	t.browser = nil
	t.page = nil
}

// Close shuts the shared browser down; called on gateway shutdown.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}
