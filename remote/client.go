// Package remote holds the HTTP plumbing shared by the ticketing and
// case-management clients: auth headers, JSON encoding, rate limiting and
// retry of transient failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxRetryElapsed = 30 * time.Second
)

type Options struct {
	BaseURL string
	Headers map[string]string

	// Basic auth is used when Username is set, otherwise TokenSource or
	// BearerToken if set.
	Username    string
	Password    string
	BearerToken string
	TokenSource func(ctx context.Context) (string, error)

	Timeout time.Duration
	// RequestsPerSecond <= 0 disables throttling.
	RequestsPerSecond float64
	// MaxRetryElapsed bounds retries of transient failures. Negative disables retries.
	MaxRetryElapsed time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetryElapsed == 0 {
		opts.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// SetBaseURL is used by clients that discover their API root at connect time.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimSuffix(u, "/")
}

// Do issues a request and decodes a JSON response into out (when non-nil).
// target is either a path relative to the base URL or an absolute URL.
// Transient failures are retried for idempotent methods only; POST and PATCH
// get the Send policy.
func (c *Client) Do(ctx context.Context, method, target string, query url.Values, in any, out any) error {
	return c.call(ctx, method, target, query, in, out, idempotent(method))
}

// Send is Do for writes that must not be repeated, such as creates or
// appending comments. Only 429 is retried; any other failure is returned at
// once.
func (c *Client) Send(ctx context.Context, method, target string, query url.Values, in any, out any) error {
	return c.call(ctx, method, target, query, in, out, false)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func (c *Client) call(ctx context.Context, method, target string, query url.Values, in, out any, retryTransient bool) error {
	endpoint := c.resolve(target, query)
	op := method + " " + redactQuery(endpoint)

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		payload = b
	}

	var body []byte
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&Error{Op: op, Err: err})
		}
		b, re := c.once(ctx, method, endpoint, payload)
		if re != nil {
			re.Op = op
			retry := re.Retryable()
			if !retryTransient {
				retry = re.Status == http.StatusTooManyRequests
			}
			if retry && ctx.Err() == nil {
				c.log.Debug("remote call failed, retrying",
					zap.String("op", op), zap.Int("attempt", attempt), zap.Error(re))
				return re
			}
			return backoff.Permanent(re)
		}
		body = b
		return nil
	}, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte) ([]byte, *Error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case c.opts.Username != "":
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	case c.opts.TokenSource != nil:
		tok, err := c.opts.TokenSource(ctx)
		if err != nil {
			return nil, &Error{Status: StatusOf(err), Err: fmt.Errorf("obtain token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case c.opts.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.opts.MaxRetryElapsed < 0 {
		return &backoff.StopBackOff{}
	}
	// BackOff implementations are stateful; one per call.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.opts.MaxRetryElapsed
	return bo
}

func (c *Client) resolve(target string, query url.Values) string {
	endpoint := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		endpoint = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + query.Encode()
	}
	return endpoint
}

func redactQuery(endpoint string) string {
	if i := strings.Index(endpoint, "?"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
