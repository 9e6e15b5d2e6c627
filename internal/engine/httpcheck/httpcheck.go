// Package httpcheck checks a URL over HTTP and extracts child links
// from HTML pages.
package httpcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/avelieva/linksentry/internal/check"
)

// Engine performs one HTTP check per task.
type Engine struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	clock     check.Clock
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(e *Engine) { e.userAgent = ua }
}

// WithMaxBody caps how many body bytes are read per check.
func WithMaxBody(n int64) Option {
	return func(e *Engine) { e.maxBody = n }
}

// WithClock replaces the time source.
func WithClock(c check.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an Engine with sane defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "linksentry/1.0",
		maxBody:   4 << 20,
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Check fetches the task URL and reports the outcome. Children are the
// in-page links worth enqueueing; they are only extracted from HTML
// responses of non-external tasks. A transport-level failure is
// reported as an invalid record, not an error; Check errors only when
// the context is done or the URL cannot be parsed at all.
func (e *Engine) Check(ctx context.Context, task check.Task, scope check.Scope) (check.Record, []string, error) {
	start := e.clock.Now()
	rec := check.Record{
		URL:       task.URL,
		ParentURL: task.ParentURL,
		Depth:     task.Depth,
		Size:      -1,
		CheckedAt: start,
	}

	base, err := url.Parse(task.URL)
	if err != nil {
		return check.Record{}, nil, fmt.Errorf("parse url %q: %w", task.URL, err)
	}
	rec.External = isExternal(base, scope.SeedURLs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return check.Record{}, nil, fmt.Errorf("build request for %q: %w", task.URL, err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return check.Record{}, nil, ctx.Err()
		}
		rec.Valid = false
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("request failed: %v", err))
		rec.CheckTime = e.clock.Now().Sub(start).Seconds()
		return rec, nil, nil
	}
	defer func() { _ = resp.Body.Close() }()

	rec.ContentType = resp.Header.Get("Content-Type")
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	rec.CheckTime = e.clock.Now().Sub(start).Seconds()
	rec.Size = int64(len(body))
	if resp.ContentLength >= 0 {
		rec.Size = resp.ContentLength
	}

	switch {
	case resp.StatusCode >= 400:
		rec.Valid = false
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	case readErr != nil:
		rec.Valid = false
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("read body: %v", readErr))
	default:
		rec.Valid = true
		if resp.StatusCode >= 300 {
			rec.Info = append(rec.Info, fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
		}
	}

	if !rec.Valid || rec.External || !isHTML(rec.ContentType) {
		return rec, nil, nil
	}
	if scope.MaxDepth >= 0 && task.Depth >= scope.MaxDepth {
		return rec, nil, nil
	}

	finalURL := base
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	children := extractLinks(body, finalURL, scope)
	return rec, children, nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isExternal(u *url.URL, seeds []string) bool {
	host := strings.ToLower(u.Hostname())
	for _, seed := range seeds {
		su, err := url.Parse(seed)
		if err != nil {
			continue
		}
		if strings.ToLower(su.Hostname()) == host {
			return false
		}
	}
	return true
}

// extractLinks walks the anchor tags of an HTML body and resolves each
// href against the final request URL. Fragments are stripped and
// non-link schemes skipped. External links are kept only when the
// scope includes them.
func extractLinks(body []byte, base *url.URL, scope check.Scope) []string {
	var out []string
	seen := map[string]struct{}{}

	tok := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tok.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := tok.TagAttr()
				if string(key) == "href" {
					if link, ok := resolveLink(base, string(val), scope); ok {
						if _, dup := seen[link]; !dup {
							seen[link] = struct{}{}
							out = append(out, link)
						}
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func resolveLink(base *url.URL, href string, scope check.Scope) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	if !scope.IncludeExternal && isExternal(u, scope.SeedURLs) {
		return "", false
	}
	return u.String(), true
}
