package couch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// Retry and backoff defaults.
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 60 * time.Second
	DefaultMaxBodySize = 200 << 20 // 200 MiB

	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "healthmap-sync/0.1"
)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxBodySize int64
}

// Client talks to one database of a CouchDB-compatible server. It handles
// request construction, retry with exponential backoff, and error
// classification. Authentication is the job of the http.Client transport
// (see NewHTTPClient).
type Client struct {
	baseURL    string
	db         string
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for database db on the server at baseURL.
func NewClient(baseURL, db string, httpClient *http.Client, logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}

	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}

	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		db:         db,
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
		sleepFunc:  timeSleep,
	}
}

// NewHTTPClient returns an http.Client that attaches a bearer token from ts
// to every request. A nil ts yields an unauthenticated client.
func NewHTTPClient(ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if ts != nil {
		transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts), Base: http.DefaultTransport}
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}

// Name identifies the remote in replication ids and logs. Credentials in
// the URL are never included.
func (c *Client) Name() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "remote:" + c.db
	}

	u.User = nil

	return "remote:" + u.String() + "/" + c.db
}

// Database returns the database name.
func (c *Client) Database() string {
	return c.db
}

// do executes a request against a path relative to the database and
// retries transient failures. The caller closes the body of a successful
// response.
func (c *Client) do(
	ctx context.Context, method, path string, query url.Values, body []byte,
) (*http.Response, error) {
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, &CouchError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Method:     method,
			Path:       path,
			Reason:     fmt.Sprintf("request body of %d bytes exceeds limit of %d", len(body), c.opts.MaxBodySize),
			Err:        ErrTooLarge,
		}
	}

	target := c.baseURL + "/" + url.PathEscape(c.db)
	if path != "" {
		target += "/" + path
	}

	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, target, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("couch: request canceled: %w", ctx.Err())
			}

			if attempt < c.opts.MaxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("couch: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("couch: %s %s failed after %d retries: %w",
				method, path, c.opts.MaxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		if readErr != nil {
			errBody = nil
		}

		if isRetryable(resp.StatusCode) && attempt < c.opts.MaxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("couch: request canceled: %w", err)
			}

			attempt++

			continue
		}

		var parsed struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}

		_ = json.Unmarshal(errBody, &parsed)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &CouchError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Kind:       parsed.Error,
			Reason:     parsed.Reason,
			Err:        classifyStatus(resp.StatusCode, parsed.Reason),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// call sends in (when non-nil) as JSON and decodes the response into out
// (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte

	if in != nil {
		var err error

		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("couch: encoding %s %s: %w", method, path, err)
		}
	}

	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("couch: decoding %s %s: %w", method, path, err)
	}

	return nil
}

// retryBackoff honours Retry-After on 429 and 503 responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(c.opts.BaseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(c.opts.MaxBackoff) {
		backoff = float64(c.opts.MaxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// docPath escapes a document id for use in a URL path. Design and local
// document prefixes keep their slash.
func docPath(id string) string {
	for _, prefix := range []string{"_design/", "_local/"} {
		if rest, ok := strings.CutPrefix(id, prefix); ok {
			return prefix + url.PathEscape(rest)
		}
	}

	return url.PathEscape(id)
}
