// Package zotero provides the bibliographic-store client. It wraps a
// Zotero-compatible HTTP API behind the narrow BibliographicStore interface
// the core services consume, with bounded retries, increasing backoff, and
// typed error variants instead of string matching.
package zotero

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
)

// Typed error variants for provider failures. Callers branch with errors.Is.
var (
	// ErrTimeout marks a request that exceeded its deadline.
	ErrTimeout = errors.New("zotero: timeout")
	// ErrRateLimited marks a 429 from the store.
	ErrRateLimited = errors.New("zotero: rate limited")
	// ErrMalformedResponse marks a 2xx whose body could not be decoded.
	ErrMalformedResponse = errors.New("zotero: malformed response")
	// ErrItemNotFound marks a 404 for an item key.
	ErrItemNotFound = errors.New("zotero: item not found")
)

// Item is a bibliographic item as stored in the reference manager.
type Item struct {
	Key      string            `json:"key"`
	ItemType string            `json:"itemType"`
	Title    string            `json:"title"`
	Creators []string          `json:"creators,omitempty"`
	Date     string            `json:"date,omitempty"`
	URL      string            `json:"url,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Version  int               `json:"version"`
}

// Result wraps a provider call outcome with the number of attempts it took,
// so failures caused by retry exhaustion are distinguishable from first-try
// rejections.
type Result[T any] struct {
	Value    T
	Attempts int
}

// BibliographicStore is the contract the core services consume. The HTTP
// client below implements it; tests substitute in-memory fakes.
type BibliographicStore interface {
	// CreateItem stores a new item and returns its key.
	CreateItem(ctx context.Context, item Item) (string, error)
	// UpdateItem overwrites mutable fields of an existing item.
	UpdateItem(ctx context.Context, key string, item Item) error
	// DeleteItem removes an item.
	DeleteItem(ctx context.Context, key string) error
	// GetItem fetches an item by key; ErrItemNotFound when absent.
	GetItem(ctx context.Context, key string) (*Item, error)
	// Citation returns the formatted citation text for an item.
	Citation(ctx context.Context, key string) (string, error)
	// ItemExists reports whether the key resolves to a live item.
	ItemExists(ctx context.Context, key string) (bool, error)
}

const (
	defaultHTTPTimeout    = 15 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

// Config captures the runtime settings required to talk to the store.
type Config struct {
	BaseURL        string
	APIKey         string
	LibraryID      string
	TimeoutSeconds int
}

// Client talks to a Zotero-compatible web API.
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

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

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

// NewClient constructs a store client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
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

// CreateItem implements BibliographicStore.
func (c *Client) CreateItem(ctx context.Context, item Item) (string, error) {
	res, err := c.do(ctx, http.MethodPost, c.itemsURL(""), item)
	if err != nil {
		return "", err
	}
	var created Item
	if jerr := json.Unmarshal(res.Value, &created); jerr != nil || created.Key == "" {
		return "", fmt.Errorf("%w: create item after %d attempts", ErrMalformedResponse, res.Attempts)
	}
	return created.Key, nil
}

// UpdateItem implements BibliographicStore.
func (c *Client) UpdateItem(ctx context.Context, key string, item Item) error {
	_, err := c.do(ctx, http.MethodPut, c.itemsURL(key), item)
	return err
}

// DeleteItem implements BibliographicStore.
func (c *Client) DeleteItem(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, c.itemsURL(key), nil)
	return err
}

// GetItem implements BibliographicStore.
func (c *Client) GetItem(ctx context.Context, key string) (*Item, error) {
	res, err := c.do(ctx, http.MethodGet, c.itemsURL(key), nil)
	if err != nil {
		return nil, err
	}
	var item Item
	if jerr := json.Unmarshal(res.Value, &item); jerr != nil {
		return nil, fmt.Errorf("%w: get item after %d attempts", ErrMalformedResponse, res.Attempts)
	}
	return &item, nil
}

// Citation implements BibliographicStore.
func (c *Client) Citation(ctx context.Context, key string) (string, error) {
	res, err := c.do(ctx, http.MethodGet, c.itemsURL(key)+"/citation", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Citation string `json:"citation"`
	}
	if jerr := json.Unmarshal(res.Value, &out); jerr != nil {
		return "", fmt.Errorf("%w: citation after %d attempts", ErrMalformedResponse, res.Attempts)
	}
	return out.Citation, nil
}

// ItemExists implements BibliographicStore.
func (c *Client) ItemExists(ctx context.Context, key string) (bool, error) {
	_, err := c.GetItem(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrItemNotFound):
		return false, nil
	default:
		return false, err
	}
}

// do issues one HTTP request with retries. Timeouts, 429s and 5xx responses
// are retried with increasing backoff up to the configured attempt budget;
// 4xx responses other than 429 fail immediately.
func (c *Client) do(ctx context.Context, method, url string, body any) (Result[[]byte], error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Result[[]byte]{}, err
		}
		payload = b
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		if attempt > 1 {
			c.sleeper(c.backoff(attempt - 1))
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return Result[[]byte]{Attempts: attempt}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Zotero-API-Key", c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = classifyTransportError(err, attempt)
			if errors.Is(lastErr, ErrTimeout) {
				continue
			}
			return Result[[]byte]{Attempts: attempt}, lastErr
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return Result[[]byte]{Attempts: attempt}, fmt.Errorf("%w: %s", ErrItemNotFound, url)
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w (attempt %d)", ErrRateLimited, attempt)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("zotero: server error %d (attempt %d)", resp.StatusCode, attempt)
			continue
		case resp.StatusCode >= 400:
			return Result[[]byte]{Attempts: attempt}, fmt.Errorf("zotero: request rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
		case readErr != nil:
			return Result[[]byte]{Attempts: attempt}, fmt.Errorf("%w: %v", ErrMalformedResponse, readErr)
		default:
			return Result[[]byte]{Value: data, Attempts: attempt}, nil
		}
	}
	return Result[[]byte]{Attempts: c.retryMaxAttempts}, fmt.Errorf("retries exhausted after %d attempts: %w", c.retryMaxAttempts, lastErr)
}

// backoff doubles the base delay per retry, capped at the maximum.
func (c *Client) backoff(retry int) time.Duration {
	d := c.retryBaseDelay << (retry - 1)
	if d > c.retryMaxDelay || d <= 0 {
		return c.retryMaxDelay
	}
	return d
}

func (c *Client) itemsURL(key string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	url := fmt.Sprintf("%s/libraries/%s/items", base, c.cfg.LibraryID)
	if key != "" {
		url += "/" + key
	}
	return url
}

func classifyTransportError(err error, attempt int) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w (attempt %d): %v", ErrTimeout, attempt, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w (attempt %d): %v", ErrTimeout, attempt, err)
	}
	return err
}

// MergeItems fills empty fields of primary from secondary, returning the
// merged item and whether anything changed. Used by duplicate resolution
// when mergeMetadata is requested; primary values always win.
func MergeItems(primary, secondary Item) (Item, bool) {
	changed := false
	if primary.Title == "" && secondary.Title != "" {
		primary.Title = secondary.Title
		changed = true
	}
	if primary.Date == "" && secondary.Date != "" {
		primary.Date = secondary.Date
		changed = true
	}
	if primary.URL == "" && secondary.URL != "" {
		primary.URL = secondary.URL
		changed = true
	}
	if len(primary.Creators) == 0 && len(secondary.Creators) > 0 {
		primary.Creators = append([]string(nil), secondary.Creators...)
		changed = true
	}
	for k, v := range secondary.Extra {
		if _, ok := primary.Extra[k]; !ok && v != "" {
			if primary.Extra == nil {
				primary.Extra = map[string]string{}
			}
			primary.Extra[k] = v
			changed = true
		}
	}
	return primary, changed
}
