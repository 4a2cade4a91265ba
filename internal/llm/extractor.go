// Package llm extracts bibliographic metadata from fetched content through a
// language-model provider. The extractor is the fallback path of the
// pipeline, used when translator-based storage cannot handle a URL.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Typed provider failures. Callers branch with errors.Is.
var (
	// ErrUnavailable marks a provider that failed its health probe.
	ErrUnavailable = errors.New("llm: provider unavailable")
	// ErrExtractionFailed marks a completed call that produced no usable
	// metadata.
	ErrExtractionFailed = errors.New("llm: extraction failed")
)

// Metadata is the bibliographic payload an extraction yields.
type Metadata struct {
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Date     string   `json:"date,omitempty"`
	ItemType string   `json:"itemType,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	DOI      string   `json:"doi,omitempty"`
}

// Extraction pairs extracted metadata with the model's confidence in it.
type Extraction struct {
	Metadata   Metadata `json:"metadata"`
	Confidence float64  `json:"confidence"`
}

// MetadataExtractor is the contract the pipeline consumes.
type MetadataExtractor interface {
	// Health reports whether the provider is reachable and serving.
	Health(ctx context.Context) error
	// ExtractMetadata derives bibliographic metadata for a URL from its
	// fetched content.
	ExtractMetadata(ctx context.Context, rawURL, content string) (*Extraction, error)
}

// Config captures provider settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	TimeoutSeconds int
	// TitleLocale controls title-casing of extracted titles; Und means
	// English.
	TitleLocale language.Tag
}

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

// Client is the HTTP MetadataExtractor.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithRetryMaxAttempts overrides the default retry count (defaults to 3).
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryMaxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// NewClient constructs a provider client.
func NewClient(cfg Config, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		timeout := 60 * time.Second
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		cfg:              cfg,
		httpClient:       httpClient,
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleeper:          time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health implements MetadataExtractor.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// ExtractMetadata implements MetadataExtractor. Timeouts, 429s and 5xx
// responses are retried with increasing backoff up to the configured attempt
// budget; other failures fail immediately. The extracted title is normalized
// with the configured locale's title casing before it is returned.
func (c *Client) ExtractMetadata(ctx context.Context, rawURL, content string) (*Extraction, error) {
	body, err := json.Marshal(map[string]any{
		"model":   c.cfg.Model,
		"url":     rawURL,
		"content": content,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		if attempt > 1 {
			c.sleeper(c.backoff(attempt - 1))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/extract"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return nil, lastErr
		}

		data, readErr := readBody(resp)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: rate limited (attempt %d)", ErrUnavailable, attempt)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d (attempt %d)", ErrUnavailable, resp.StatusCode, attempt)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("%w: status %d", ErrExtractionFailed, resp.StatusCode)
		case readErr != nil:
			return nil, fmt.Errorf("%w: reading response: %v", ErrExtractionFailed, readErr)
		}

		var out Extraction
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: decoding response: %v", ErrExtractionFailed, err)
		}
		if strings.TrimSpace(out.Metadata.Title) == "" {
			return nil, fmt.Errorf("%w: empty title for %s", ErrExtractionFailed, rawURL)
		}

		out.Metadata.Title = NormalizeTitle(out.Metadata.Title, c.titleLocaleOrDefault())
		return &out, nil
	}
	return nil, fmt.Errorf("llm: retries exhausted after %d attempts: %w", c.retryMaxAttempts, lastErr)
}

// readBody drains and closes a response body.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// backoff doubles the base delay per retry, capped at the maximum.
func (c *Client) backoff(retry int) time.Duration {
	d := c.retryBaseDelay << (retry - 1)
	if d > c.retryMaxDelay || d <= 0 {
		return c.retryMaxDelay
	}
	return d
}

func (c *Client) titleLocaleOrDefault() language.Tag {
	if c.cfg.TitleLocale == language.Und {
		return language.English
	}
	return c.cfg.TitleLocale
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// NormalizeTitle collapses internal whitespace and applies locale-aware
// title casing to titles that arrive fully upper- or lower-cased. Titles
// with mixed casing are assumed intentional and only whitespace-cleaned.
func NormalizeTitle(title string, locale language.Tag) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == strings.ToUpper(title) || title == strings.ToLower(title) {
		return cases.Title(locale).String(strings.ToLower(title))
	}
	return title
}
