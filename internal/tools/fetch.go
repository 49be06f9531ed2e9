package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
	fetchCacheTTL        = 5 * time.Minute
	fetchCacheEntries    = 64
	fetchUserAgent       = "gent/1.0 (+https://github.com/gentlabs/gent)"
)

// WebFetchTool fetches a URL and extracts its content as markdown or plain
// text. Private and loopback addresses are rejected, including on redirects.
type WebFetchTool struct {
	maxChars int
	cache    *fetchCache
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{maxChars: maxChars, cache: newFetchCache(fetchCacheEntries, fetchCacheTTL)}
}

func (t *WebFetchTool) Name() string   { return "web_fetch" }
func (t *WebFetchTool) ReadOnly() bool { return true }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown or text), JSON, and plain text."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extractMode": map[string]any{
				"type":        "string",
				"description": `Extraction mode; default "markdown"`,
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return",
				"minimum":     100.0,
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		URL         string  `json:"url"`
		ExtractMode string  `json:"extractMode"`
		MaxChars    float64 `json:"maxChars"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	parsed, err := url.Parse(args.URL)
	if err != nil {
		return Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return Errorf("missing hostname in URL")
	}
	if err := checkSSRF(parsed); err != nil {
		return Errorf("fetch blocked: %v", err)
	}

	mode := args.ExtractMode
	if mode == "" {
		mode = "markdown"
	}
	maxChars := t.maxChars
	if int(args.MaxChars) >= 100 {
		maxChars = int(args.MaxChars)
	}

	cacheKey := fmt.Sprintf("%s:%s:%d", args.URL, mode, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		return OK(cached)
	}

	out, err := t.fetch(ctx, args.URL, mode, maxChars)
	if err != nil {
		return Errorf("fetch failed: %v", err)
	}
	t.cache.set(cacheKey, out)
	return OK(out)
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL, mode string, maxChars int) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkSSRF(req.URL)
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read extra beyond maxChars: HTML carries markup overhead.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := extractContent(body, contentType, mode)

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return map[string]any{
		"url":       resp.Request.URL.String(),
		"status":    resp.StatusCode,
		"content":   text,
		"truncated": truncated,
	}, nil
}

// checkSSRF rejects URLs whose host resolves to loopback, private, or
// link-local addresses.
func checkSSRF(u *url.URL) error {
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("address %s is not allowed", ip)
		}
	}
	return nil
}

// fetchCache is a small TTL cache for fetched pages.
type fetchCache struct {
	mu      sync.Mutex
	entries map[string]fetchCacheEntry
	max     int
	ttl     time.Duration
}

type fetchCacheEntry struct {
	value   map[string]any
	expires time.Time
}

func newFetchCache(max int, ttl time.Duration) *fetchCache {
	return &fetchCache{entries: make(map[string]fetchCacheEntry), max: max, ttl: ttl}
}

func (c *fetchCache) get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *fetchCache) set(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Evict whatever range order yields first; precision is not needed
		// for a cache this small.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = fetchCacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

func extractContent(body []byte, contentType, mode string) string {
	switch {
	case strings.Contains(contentType, "application/json"):
		var data any
		if err := json.Unmarshal(body, &data); err == nil {
			formatted, _ := json.MarshalIndent(data, "", "  ")
			return string(formatted)
		}
		return string(body)
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		if mode == "text" {
			return htmlToText(string(body))
		}
		return htmlToMarkdown(string(body))
	default:
		return string(body)
	}
}
