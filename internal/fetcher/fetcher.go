// Package fetcher retrieves page text for bookmark URLs with bounded
// concurrency, per-host pacing, and early rejection of binary or oversized
// content.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reason classifies why a fetch failed
type Reason string

const (
	ReasonUnreachable     Reason = "unreachable"
	ReasonTimeout         Reason = "timeout"
	ReasonTooLarge        Reason = "too_large"
	ReasonUnsupportedType Reason = "unsupported_type"
)

// Error is a per-URL fetch failure. One URL's failure never affects
// sibling fetches.
type Error struct {
	URL    string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// File extensions that never contain analyzable text
var binaryExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".bmp": true, ".svg": true, ".ico": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".wav": true, ".flac": true, ".bin": true, ".exe": true,
}

// Config holds fetcher settings
type Config struct {
	Concurrency int           // Max concurrent requests across the whole run
	Timeout     time.Duration // Per-request timeout
	MaxBytes    int64         // Reject bodies larger than this
	PerHostRPS  float64       // Politeness pacing per remote host
	UserAgent   string
}

// Fetcher fetches and extracts page text
type Fetcher struct {
	client      *http.Client
	http1Client *http.Client
	sem         chan struct{}
	maxBytes    int64
	userAgent   string

	mu           sync.Mutex
	hostLimiters map[string]*rate.Limiter
	perHostRate  rate.Limit
}

// New creates a fetcher
func New(cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1024 * 1024
	}
	if cfg.PerHostRPS <= 0 {
		cfg.PerHostRPS = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "BookmarkTopicBot/1.0 (Content Analysis)"
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}

	// HTTP/1.1-only client for servers with broken HTTP/2
	http1Transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	http1Transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)

	http1Client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: http1Transport,
	}

	return &Fetcher{
		client:       client,
		http1Client:  http1Client,
		sem:          make(chan struct{}, cfg.Concurrency),
		maxBytes:     cfg.MaxBytes,
		userAgent:    cfg.UserAgent,
		hostLimiters: make(map[string]*rate.Limiter),
		perHostRate:  rate.Limit(cfg.PerHostRPS),
	}
}

// Fetch retrieves the visible text of a page. Failures come back as *Error
// with a reason the caller can report per bookmark.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: err}
	}

	if ext := strings.ToLower(path.Ext(parsed.Path)); binaryExtensions[ext] {
		return "", &Error{URL: rawURL, Reason: ReasonUnsupportedType,
			Err: fmt.Errorf("binary extension %s", ext)}
	}

	// Global concurrency cap
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: ctx.Err()}
	}
	defer func() { <-f.sem }()

	// Per-host politeness
	if err := f.hostLimiter(parsed.Host).Wait(ctx); err != nil {
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: err}
	}

	html, fetchErr := f.fetchHTML(ctx, rawURL)
	if fetchErr != nil {
		return "", fetchErr
	}

	return extractText(html, parsed), nil
}

// fetchHTML downloads the page, trying the HTTP/1.1 client when the default
// client hits an HTTP/2 stream error
func (f *Fetcher) fetchHTML(ctx context.Context, rawURL string) (string, *Error) {
	html, err := f.fetchWithClient(ctx, rawURL, f.client)
	if err != nil && err.Err != nil {
		msg := err.Err.Error()
		if strings.Contains(msg, "stream error") || strings.Contains(msg, "INTERNAL_ERROR") {
			return f.fetchWithClient(ctx, rawURL, f.http1Client)
		}
	}
	return html, err
}

func (f *Fetcher) fetchWithClient(ctx context.Context, rawURL string, client *http.Client) (string, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: err}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", &Error{URL: rawURL, Reason: ReasonTimeout, Err: err}
		}
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable,
			Err: fmt.Errorf("status code: %d", resp.StatusCode)}
	}

	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if !isTextContentType(ctype) {
		return "", &Error{URL: rawURL, Reason: ReasonUnsupportedType,
			Err: fmt.Errorf("content-type %q", ctype)}
	}

	if resp.ContentLength > f.maxBytes {
		return "", &Error{URL: rawURL, Reason: ReasonTooLarge,
			Err: fmt.Errorf("declared length %d exceeds limit %d", resp.ContentLength, f.maxBytes)}
	}

	// Read one extra byte to detect bodies over the limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", &Error{URL: rawURL, Reason: ReasonTimeout, Err: err}
		}
		return "", &Error{URL: rawURL, Reason: ReasonUnreachable, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return "", &Error{URL: rawURL, Reason: ReasonTooLarge,
			Err: fmt.Errorf("body exceeds limit %d", f.maxBytes)}
	}

	return string(body), nil
}

func (f *Fetcher) hostLimiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	limiter, ok := f.hostLimiters[host]
	if !ok {
		limiter = rate.NewLimiter(f.perHostRate, 1)
		f.hostLimiters[host] = limiter
	}
	return limiter
}

func isTextContentType(ctype string) bool {
	for _, t := range []string{"text/html", "text/plain", "application/xhtml"} {
		if strings.Contains(ctype, t) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
