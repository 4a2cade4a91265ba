// Package fetch probes URLs for retrievability and content characteristics.
// The pipeline uses the probe result to derive per-URL capabilities before
// choosing a processing path.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrUnreachable marks a URL that could not be retrieved at all.
var ErrUnreachable = errors.New("fetch: unreachable")

const (
	// maxProbeBytes bounds how much of a response body is read while hashing.
	maxProbeBytes = 4 << 20
	// maxSnippetBytes bounds the retained text excerpt.
	maxSnippetBytes = 64 << 10

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

// Probe describes one successful retrieval of a URL.
//
// Fields:
//   - ContentType: the media type, with parameters stripped.
//   - Size: bytes read, capped at the probe limit.
//   - Hash: hex sha256 of the bytes read; empty when the body was empty.
//   - RedirectChain: every intermediate location, ending at the final URL.
//   - FetchedAt: when the probe completed.
//   - Snippet: leading bytes of textual bodies, for downstream metadata
//     extraction; empty for binary content.
type Probe struct {
	ContentType   string    `json:"contentType"`
	Size          int64     `json:"size"`
	Hash          string    `json:"hash,omitempty"`
	RedirectChain []string  `json:"redirectChain,omitempty"`
	FetchedAt     time.Time `json:"fetchedAt"`
	Snippet       string    `json:"-"`
}

// IsHTML reports whether the probed content is an HTML document.
func (p *Probe) IsHTML() bool {
	return p.ContentType == "text/html" || p.ContentType == "application/xhtml+xml"
}

// IsPDF reports whether the probed content is a PDF.
func (p *Probe) IsPDF() bool {
	return p.ContentType == "application/pdf"
}

// ContentFetcher retrieves URLs. The HTTP fetcher below implements it; tests
// substitute canned fakes.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Probe, error)
}

// Config captures fetcher settings.
type Config struct {
	TimeoutSeconds int
	UserAgent      string
	MaxRedirects   int
}

// Fetcher is the HTTP ContentFetcher.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client. The redirect policy is
// reapplied so the chain is still captured.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithClock overrides the timestamp source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count (defaults to 3).
func WithRetryMaxAttempts(attempts int) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.retryMaxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(f *Fetcher) {
		f.retryBaseDelay = baseDelay
		f.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(f *Fetcher) {
		if sleeper != nil {
			f.sleeper = sleeper
		}
	}
}

// NewFetcher constructs an HTTP fetcher.
func NewFetcher(cfg Config, opts ...Option) *Fetcher {
	timeout := 20 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	f := &Fetcher{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
		now:              time.Now,
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleeper:          time.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements ContentFetcher. Transport failures and non-2xx statuses
// wrap ErrUnreachable so callers can treat them uniformly as "not
// accessible" without losing the underlying cause. Timeouts, 429s and 5xx
// responses are retried with increasing backoff up to the configured attempt
// budget; other failures fail immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Probe, error) {
	var lastErr error
	for attempt := 1; attempt <= f.retryMaxAttempts; attempt++ {
		if attempt > 1 {
			f.sleeper(f.backoff(attempt - 1))
		}
		probe, retryable, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return probe, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: retries exhausted after %d attempts: %v", ErrUnreachable, f.retryMaxAttempts, lastErr)
}

// fetchOnce performs a single probe. The middle return reports whether the
// failure is transient (timeout, 429, 5xx) and worth another attempt.
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Probe, bool, error) {
	var chain []string
	client := *f.httpClient
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= f.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
		}
		chain = append(chain, req.URL.String())
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, true, fmt.Errorf("%w: timeout fetching %s", ErrUnreachable, rawURL)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("%w: status %d from %s", ErrUnreachable, resp.StatusCode, rawURL)
	}

	ctype := mediaType(resp.Header.Get("Content-Type"))

	h := sha256.New()
	var snippet bytes.Buffer
	var sink io.Writer = h
	if isTextual(ctype) {
		sink = io.MultiWriter(h, &capWriter{w: &snippet, limit: maxSnippetBytes})
	}
	n, err := io.Copy(sink, io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading body: %v", ErrUnreachable, err)
	}

	probe := &Probe{
		ContentType:   ctype,
		Size:          n,
		RedirectChain: chain,
		FetchedAt:     f.now(),
		Snippet:       snippet.String(),
	}
	if n > 0 {
		probe.Hash = hex.EncodeToString(h.Sum(nil))
	}
	return probe, false, nil
}

// backoff doubles the base delay per retry, capped at the maximum.
func (f *Fetcher) backoff(retry int) time.Duration {
	d := f.retryBaseDelay << (retry - 1)
	if d > f.retryMaxDelay || d <= 0 {
		return f.retryMaxDelay
	}
	return d
}

func isTextual(ctype string) bool {
	return strings.HasPrefix(ctype, "text/") ||
		ctype == "application/xhtml+xml" ||
		ctype == "application/xml" ||
		ctype == "application/json"
}

// capWriter keeps the first limit bytes and silently discards the rest.
type capWriter struct {
	w     *bytes.Buffer
	limit int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if remaining := c.limit - c.w.Len(); remaining > 0 {
		if len(p) > remaining {
			c.w.Write(p[:remaining])
		} else {
			c.w.Write(p)
		}
	}
	return len(p), nil
}

// mediaType strips parameters like charset from a Content-Type value.
func mediaType(header string) string {
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.ToLower(strings.TrimSpace(header))
}
