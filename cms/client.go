// Package cms is the client for the case-management system's REST API.
package cms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"case-sync/remote"
	"case-sync/syncer"
)

const (
	apiRoot         = "/connect/api/v1"
	defaultPageSize = 100
	// Refresh tokens this long before the server-side expiry.
	tokenSkew = time.Minute
)

var _ syncer.CaseSystem = (*Client)(nil)

type Config struct {
	Host   string
	User   string
	APIKey string

	PageSize          int
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetryElapsed   time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client exchanges the user's API key for short-lived access tokens and calls
// the case endpoints with them.
type Client struct {
	cfg   Config
	http  *remote.Client
	token *remote.Client
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	access    string
	expiresAt time.Time
}

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("system", syncer.SourceCMS))
	base := "https://" + cfg.Host + apiRoot
	c := &Client{cfg: cfg, log: log, now: time.Now}
	c.token = remote.NewClient(remote.Options{
		BaseURL:         base,
		Username:        cfg.User,
		Password:        cfg.APIKey,
		Timeout:         cfg.Timeout,
		MaxRetryElapsed: cfg.MaxRetryElapsed,
		HTTPClient:      cfg.HTTPClient,
		Logger:          log,
	})
	c.http = remote.NewClient(remote.Options{
		BaseURL:           base,
		TokenSource:       c.accessToken,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetryElapsed:   cfg.MaxRetryElapsed,
		HTTPClient:        cfg.HTTPClient,
		Logger:            log,
	})
	return c
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access != "" && c.now().Before(c.expiresAt.Add(-tokenSkew)) {
		return c.access, nil
	}
	var resp tokenResponse
	if err := c.token.Do(ctx, http.MethodPost, "access_token", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("access token: empty token in response")
	}
	c.access = resp.AccessToken
	c.expiresAt = time.Unix(resp.ExpiresAt, 0)
	if resp.ExpiresAt == 0 {
		c.expiresAt = c.now().Add(10 * time.Minute)
	}
	c.log.Debug("access token refreshed", zap.Time("expires_at", c.expiresAt))
	return c.access, nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit", "1")
	var resp casesResponse
	return c.do(ctx, http.MethodGet, "cases", q, nil, &resp)
}

// CasesSince lists cases modified at or after since, oldest first.
func (c *Client) CasesSince(ctx context.Context, since time.Time) ([]syncer.Case, error) {
	var out []syncer.Case
	for offset := 0; ; offset += c.cfg.PageSize {
		q := url.Values{}
		q.Set("FROM~modified_at", strconv.FormatInt(since.UnixMilli(), 10))
		q.Set("sort", "modified_at")
		q.Set("order", "asc")
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("skip", strconv.Itoa(offset))
		var resp casesResponse
		if err := c.do(ctx, http.MethodGet, "cases", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, cs := range resp.Data.Cases {
			out = append(out, syncer.Case{
				ID:         cs.ID,
				Number:     cs.Number.String(),
				Name:       cs.Name,
				Score:      cs.Score,
				TenantName: cs.TenantName,
				ModifiedAt: cs.ModifiedAt,
			})
		}
		if len(resp.Data.Cases) < c.cfg.PageSize {
			return out, nil
		}
	}
}

func (c *Client) CaseSummary(ctx context.Context, caseID string) (string, error) {
	q := url.Values{}
	q.Set("formatted", "true")
	var resp summaryResponse
	if err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID)+"/summary", q, nil, &resp); err != nil {
		return "", err
	}
	return resp.Data, nil
}

// CaseAlerts returns the display names of the case's alerts.
func (c *Client) CaseAlerts(ctx context.Context, caseID string) ([]string, error) {
	var resp alertsResponse
	if err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID)+"/alerts", nil, nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Data.Docs))
	for _, d := range resp.Data.Docs {
		name := strings.TrimSpace(d.Source.XDREvent.DisplayName)
		if name == "" {
			name = strings.TrimSpace(d.Source.EventName)
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) UpdateCaseStatus(ctx context.Context, caseID, status string) error {
	return c.updateCase(ctx, caseID, nil, caseUpdate{Status: status})
}

// ResolveCase marks the case Resolved and resolves its alerts with it.
func (c *Client) ResolveCase(ctx context.Context, caseID string) error {
	q := url.Values{}
	q.Set("update_alerts", "true")
	return c.updateCase(ctx, caseID, q, caseUpdate{Status: "Resolved"})
}

func (c *Client) UpdateCaseAssignee(ctx context.Context, caseID, email string) error {
	return c.updateCase(ctx, caseID, nil, caseUpdate{Assignee: email})
}

// AddCaseComment appends to the case history, so it is never retried after a
// transient failure.
func (c *Client) AddCaseComment(ctx context.Context, caseID, text string) error {
	return c.withToken(ctx, c.http.Send, http.MethodPut, "cases/"+url.PathEscape(caseID), nil, caseUpdate{Comment: text}, nil)
}

func (c *Client) updateCase(ctx context.Context, caseID string, q url.Values, body caseUpdate) error {
	return c.do(ctx, http.MethodPut, "cases/"+url.PathEscape(caseID), q, body, nil)
}

type sendFunc func(ctx context.Context, method, target string, q url.Values, in, out any) error

func (c *Client) do(ctx context.Context, method, target string, q url.Values, in, out any) error {
	return c.withToken(ctx, c.http.Do, method, target, q, in, out)
}

// withToken retries once with a fresh token when the cached one is rejected.
func (c *Client) withToken(ctx context.Context, send sendFunc, method, target string, q url.Values, in, out any) error {
	err := send(ctx, method, target, q, in, out)
	if remote.StatusOf(err) != http.StatusUnauthorized {
		return err
	}
	c.mu.Lock()
	stale := c.access != ""
	c.access = ""
	c.mu.Unlock()
	if !stale {
		return err
	}
	c.log.Info("access token rejected; refreshing")
	return send(ctx, method, target, q, in, out)
}

func (c *Client) CaseURL(caseID string) string {
	return "https://" + c.cfg.Host + "/cases/case-detail?id=" + url.QueryEscape(caseID)
}
