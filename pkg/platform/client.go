// Package platform is a read-only client for the Source Platform API. It only
// issues GET requests, follows Link-header pagination and paces itself with a
// token bucket so that scheduled runs stay within the platform's quota.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPerPage = 100
	maxPages       = 1000
	userAgent      = "evidence-archiver/1.0"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// RPS is the sustained request rate; Burst the bucket size.
	RPS     float64
	Burst   int
	Timeout time.Duration
}

// Client issues paginated read requests.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewClient creates a client for the given configuration.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid platform base url %q", cfg.BaseURL)
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: u,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		now:     time.Now,
		logger:  slog.Default().With("component", "platform"),
	}, nil
}

// Get fetches a single JSON object.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	body, _, err := c.do(ctx, c.resolve(path, query), path)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := decode(body, &obj); err != nil {
		return nil, fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return obj, nil
}

// GetAll fetches every page of a list endpoint and returns the concatenated records.
func (c *Client) GetAll(ctx context.Context, path string, query url.Values) ([]map[string]any, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if q.Get("per_page") == "" {
		q.Set("per_page", fmt.Sprint(defaultPerPage))
	}

	next := c.resolve(path, q)
	var records []map[string]any
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("GET %s: more than %d pages", path, maxPages)
		}
		body, header, err := c.do(ctx, next, path)
		if err != nil {
			return nil, err
		}
		var batch []map[string]any
		if err := decode(body, &batch); err != nil {
			return nil, fmt.Errorf("GET %s: decode page %d: %w", path, page+1, err)
		}
		records = append(records, batch...)
		next, err = c.sameOrigin(nextLink(header.Get("Link")))
		if err != nil {
			return nil, fmt.Errorf("GET %s: page %d: %w", path, page+1, err)
		}
	}
	if records == nil {
		records = []map[string]any{}
	}
	return records, nil
}

// sameOrigin resolves a next link against the base URL and refuses any target
// on another scheme or host, so the bearer token only reaches the API origin.
func (c *Client) sameOrigin(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	u, err := c.baseURL.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrForeignLink, link, err)
	}
	if !strings.EqualFold(u.Scheme, c.baseURL.Scheme) || !strings.EqualFold(u.Host, c.baseURL.Host) {
		return "", fmt.Errorf("%w: %s://%s", ErrForeignLink, u.Scheme, u.Host)
	}
	return u.String(), nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, target, path string) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &NetworkError{Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, &NetworkError{Path: path, Err: err}
	}
	c.logger.DebugContext(ctx, "platform request",
		"path", path, "status", resp.StatusCode, "duration", c.now().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, classify(resp, path, errorMessage(body), c.now())
	}
	return body, resp.Header, nil
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

var linkNext = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// nextLink extracts the rel="next" target from an RFC 5988 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		if m := linkNext.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}

// GetPage fetches a single page of a list endpoint without following pagination.
func (c *Client) GetPage(ctx context.Context, path string, query url.Values) ([]map[string]any, error) {
	body, _, err := c.do(ctx, c.resolve(path, query), path)
	if err != nil {
		return nil, err
	}
	var batch []map[string]any
	if err := decode(body, &batch); err != nil {
		return nil, fmt.Errorf("GET %s: decode: %w", path, err)
	}
	if batch == nil {
		batch = []map[string]any{}
	}
	return batch, nil
}
