package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
)

// BrowserHandler reads web pages and drives a Chrome session.
//
// Actions fetch and search use plain HTTP with readability extraction.
// Actions open, click, type and screenshot share one Chrome tab that is
// started on first use and kept until Close.
type BrowserHandler struct {
	config    BrowserConfig
	client    *http.Client
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// NewBrowserHandler creates a browser handler.
func NewBrowserHandler(cfg BrowserConfig, logger zerolog.Logger) *BrowserHandler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = "screenshots"
	}
	return &BrowserHandler{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.FetchTimeout},
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("handler", "browser").Logger(),
	}
}

// Handle implements engine.Handler.
func (h *BrowserHandler) Handle(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	action := stringParam(params, "action")
	if action == "" {
		action = "fetch"
	}

	switch action {
	case "fetch", "extract":
		target, err := requireString(params, "url", "browser "+action)
		if err != nil {
			return nil, err
		}
		return h.fetch(ctx, target, nil)
	case "search":
		query, err := requireString(params, "query", "browser search")
		if err != nil {
			return nil, err
		}
		if h.config.SearchURL == "" {
			return nil, invalidParams("no search URL configured")
		}
		target := fmt.Sprintf(h.config.SearchURL, url.QueryEscape(query))
		return h.fetch(ctx, target, map[string]any{"query": query})
	case "open", "navigate":
		target, err := requireString(params, "url", "browser "+action)
		if err != nil {
			return nil, err
		}
		return h.open(ctx, target)
	case "click":
		selector, err := requireString(params, "selector", "browser click")
		if err != nil {
			return nil, err
		}
		return h.interact(ctx, stringParam(params, "url"), "clicked", selector,
			chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	case "type":
		selector, err := requireString(params, "selector", "browser type")
		if err != nil {
			return nil, err
		}
		text := stringParam(params, "text")
		return h.interact(ctx, stringParam(params, "url"), "typed", selector,
			chromedp.SendKeys(selector, text, chromedp.ByQuery, chromedp.NodeVisible))
	case "screenshot":
		return h.screenshot(ctx, stringParam(params, "url"))
	case "close":
		h.Close()
		return &engine.HandlerResult{Success: true, Output: map[string]any{"closed": true}}, nil
	default:
		return nil, invalidParams("unknown browser action %q", action)
	}
}

// fetch downloads a page over HTTP and extracts its readable text.
func (h *BrowserHandler) fetch(ctx context.Context, target string, extra map[string]any) (*engine.HandlerResult, error) {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return nil, invalidParams("invalid URL %q", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, invalidParams("invalid request for %q: %v", target, err)
	}
	if h.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("fetching %s returned status %d", target, resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
		}
		return &engine.HandlerResult{
			Success: false,
			Output:  map[string]any{"url": target, "status": resp.StatusCode},
			Error:   msg,
		}, nil
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", target, err)
	}

	output := h.articleOutput(target, article.Title, article.Excerpt, article.TextContent)
	output["status"] = resp.StatusCode
	for k, v := range extra {
		output[k] = v
	}
	return &engine.HandlerResult{Success: true, Output: output}, nil
}

func (h *BrowserHandler) articleOutput(target, title, excerpt, text string) map[string]any {
	content, cut := truncate(strings.TrimSpace(h.sanitizer.Sanitize(text)), h.config.MaxContentChars)
	output := map[string]any{
		"url":     target,
		"title":   h.sanitizer.Sanitize(title),
		"content": content,
	}
	if excerpt != "" {
		output["excerpt"] = h.sanitizer.Sanitize(excerpt)
	}
	if cut {
		output["truncated"] = true
	}
	return output
}

// session returns the shared tab, starting Chrome if needed.
func (h *BrowserHandler) session() (context.Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.browserCtx != nil {
		select {
		case <-h.browserCtx.Done():
			h.cleanup()
		default:
			return h.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", h.config.Headless),
		chromedp.WindowSize(1280, 900),
	)
	if h.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(h.config.ExecPath))
	}
	if h.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(h.config.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, engine.NewPermanentError("failed to start browser", err).WithCode(engine.ErrCodeHandlerFailed)
	}

	h.logger.Info().Bool("headless", h.config.Headless).Msg("Browser started")
	h.browserCtx, h.allocCancel, h.browserCancel = browserCtx, allocCancel, browserCancel
	return browserCtx, nil
}

// run executes actions in the shared tab, bounded by the step context.
func (h *BrowserHandler) run(ctx context.Context, actions ...chromedp.Action) error {
	tab, err := h.session()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (h *BrowserHandler) open(ctx context.Context, target string) (*engine.HandlerResult, error) {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return nil, invalidParams("invalid URL %q", target)
	}

	var title, location, html string
	err = h.run(ctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target, err)
	}

	text, excerpt := "", ""
	if article, err := readability.FromReader(strings.NewReader(html), parsed); err == nil {
		text, excerpt = article.TextContent, article.Excerpt
		if article.Title != "" {
			title = article.Title
		}
	}

	output := h.articleOutput(target, title, excerpt, text)
	output["location"] = location
	return &engine.HandlerResult{Success: true, Output: output}, nil
}

func (h *BrowserHandler) interact(ctx context.Context, target, verb, selector string, action chromedp.Action) (*engine.HandlerResult, error) {
	actions := make([]chromedp.Action, 0, 2)
	if target != "" {
		actions = append(actions, chromedp.Navigate(target))
	}
	actions = append(actions, action)

	var location string
	actions = append(actions, chromedp.Location(&location))

	if err := h.run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("browser action on %s failed: %w", selector, err)
	}
	return &engine.HandlerResult{Success: true, Output: map[string]any{
		verb:       selector,
		"location": location,
	}}, nil
}

func (h *BrowserHandler) screenshot(ctx context.Context, target string) (*engine.HandlerResult, error) {
	var buf []byte
	actions := []chromedp.Action{}
	if target != "" {
		actions = append(actions, chromedp.Navigate(target))
	}
	actions = append(actions, chromedp.CaptureScreenshot(&buf))

	if err := h.run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	if err := os.MkdirAll(h.config.ScreenshotDir, 0o755); err != nil {
		return nil, fileError("create", h.config.ScreenshotDir, err)
	}
	path := filepath.Join(h.config.ScreenshotDir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fileError("write", path, err)
	}
	abs, _ := filepath.Abs(path)

	return &engine.HandlerResult{Success: true, Output: map[string]any{"path": abs, "bytes": len(buf)}}, nil
}

func (h *BrowserHandler) cleanup() {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
	h.browserCtx = nil
	h.browserCancel = nil
	h.allocCancel = nil
}

// Close shuts down Chrome if it was started.
func (h *BrowserHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanup()
}

var _ engine.Handler = (*BrowserHandler)(nil)
