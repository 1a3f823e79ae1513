// Package rts is the client for the remote ticketing system, a
// ConnectWise-style REST API.
package rts

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

const defaultPageSize = 100

var _ syncer.TicketSystem = (*Client)(nil)

type Config struct {
	Host       string
	CompanyID  string
	PublicKey  string
	PrivateKey string
	ClientID   string
	// Codebase skips discovery via /login/companyinfo when set.
	Codebase string

	DefaultCompany     string
	AvoidCompanyLookup bool
	DefaultBoard       string
	AvoidBoardLookup   bool
	// TenantMap renames case tenants to company names before lookup.
	TenantMap map[string]string

	PageSize          int
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetryElapsed   time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

type Client struct {
	cfg  Config
	http *remote.Client
	log  *zap.Logger

	mu               sync.Mutex
	defaultCompanyID int
	boards           map[string]int
}

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("system", syncer.SourceRTS))
	return &Client{
		cfg: cfg,
		http: remote.NewClient(remote.Options{
			BaseURL:           "https://" + cfg.Host,
			Headers:           map[string]string{"clientId": cfg.ClientID},
			Username:          cfg.CompanyID + "+" + cfg.PublicKey,
			Password:          cfg.PrivateKey,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetryElapsed:   cfg.MaxRetryElapsed,
			HTTPClient:        cfg.HTTPClient,
			Logger:            log,
		}),
		log:    log,
		boards: map[string]int{},
	}
}

// Connect discovers the API codebase and resolves the default company, which
// every ticket falls back to. A missing default company is a configuration error.
func (c *Client) Connect(ctx context.Context) error {
	codebase := strings.Trim(c.cfg.Codebase, "/")
	if codebase == "" {
		var ci companyInfo
		if err := c.http.Do(ctx, http.MethodGet, "login/companyinfo/"+url.PathEscape(c.cfg.CompanyID), nil, nil, &ci); err != nil {
			return fmt.Errorf("discover codebase: %w", err)
		}
		codebase = strings.Trim(ci.Codebase, "/")
		if codebase == "" {
			return fmt.Errorf("discover codebase: no codebase returned for company %q", c.cfg.CompanyID)
		}
		c.log.Info("codebase discovered", zap.String("codebase", codebase))
	}
	c.http.SetBaseURL("https://" + c.cfg.Host + "/" + codebase + "/apis/3.0")

	if strings.TrimSpace(c.cfg.DefaultCompany) == "" {
		return &syncer.ConfigurationError{Field: "ticket.default_company", Reason: "missing"}
	}
	id, err := c.lookupCompany(ctx, c.cfg.DefaultCompany)
	if err != nil {
		return fmt.Errorf("resolve default company: %w", err)
	}
	if id == 0 {
		return &syncer.ConfigurationError{Field: "ticket.default_company", Reason: fmt.Sprintf("company %q not found", c.cfg.DefaultCompany)}
	}
	c.mu.Lock()
	c.defaultCompanyID = id
	c.mu.Unlock()
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	var si systemInfo
	if err := c.http.Do(ctx, http.MethodGet, "system/info", nil, nil, &si); err != nil {
		return err
	}
	if si.Version == "" {
		return fmt.Errorf("system info: no version in response")
	}
	c.log.Debug("connectivity ok", zap.String("version", si.Version))
	return nil
}

// TicketsSince lists tickets updated at or after since, following pages until
// a short one. lastUpdated has whole-second resolution, so the bound is the
// floor of since and inclusive; tickets already seen are skipped by their
// linkage cursor.
func (c *Client) TicketsSince(ctx context.Context, since time.Time) ([]syncer.Ticket, error) {
	cond := fmt.Sprintf("lastUpdated >= %q", syncer.FormatRemoteTime(since.UnixMilli()))
	var out []syncer.Ticket
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("conditions", cond)
		q.Set("orderBy", "lastUpdated asc")
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
		var batch []ticket
		if err := c.http.Do(ctx, http.MethodGet, "service/tickets", q, nil, &batch); err != nil {
			return nil, err
		}
		for _, t := range batch {
			out = append(out, toTicket(t))
		}
		if len(batch) < c.cfg.PageSize {
			return out, nil
		}
	}
}

func toTicket(t ticket) syncer.Ticket {
	st := syncer.Ticket{
		ID:          strconv.Itoa(t.ID),
		Summary:     t.Summary,
		LastUpdated: t.Info.LastUpdated,
	}
	if t.Status != nil {
		st.StatusName = t.Status.Name
	}
	if t.Owner != nil && t.Owner.Info != nil {
		st.OwnerLink = t.Owner.Info.MemberHref
	}
	return st
}

func (c *Client) Notes(ctx context.Context, ticketID string) ([]syncer.Note, error) {
	q := url.Values{}
	q.Set("pageSize", "1000")
	var raw []note
	if err := c.http.Do(ctx, http.MethodGet, "service/tickets/"+url.PathEscape(ticketID)+"/allNotes", q, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]syncer.Note, 0, len(raw))
	for _, n := range raw {
		out = append(out, syncer.Note{ID: strconv.Itoa(n.ID), Text: n.Text, LastUpdated: n.Info.LastUpdated})
	}
	return out, nil
}

func (c *Client) AuditRecords(ctx context.Context, ticketID string) ([]syncer.AuditEntry, error) {
	q := url.Values{}
	q.Set("type", "Ticket")
	q.Set("id", ticketID)
	var raw []auditRecord
	if err := c.http.Do(ctx, http.MethodGet, "system/audittrail", q, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]syncer.AuditEntry, 0, len(raw))
	for _, a := range raw {
		out = append(out, syncer.AuditEntry{
			Type:        a.AuditType,
			SubType:     a.AuditSubType,
			Source:      a.AuditSource,
			EnteredBy:   a.EnteredBy,
			EnteredDate: a.EnteredDate,
			Text:        a.Text,
		})
	}
	return out, nil
}

func (c *Client) CreateTicket(ctx context.Context, req syncer.TicketRequest) (string, error) {
	companyID, err := c.CompanyID(ctx, req.Company)
	if err != nil {
		return "", err
	}
	boardName := req.Board
	if c.cfg.AvoidBoardLookup {
		boardName = c.cfg.DefaultBoard
	}
	boardID, err := c.ResolveBoard(ctx, boardName, c.cfg.DefaultBoard)
	if err != nil {
		return "", err
	}
	body := createTicketRequest{
		Summary: syncer.ClipRunes(req.Summary, syncer.MaxSummaryLen),
		Company: ref{ID: companyID},
		Board:   ref{ID: boardID},
	}
	if req.PriorityID != nil {
		body.Priority = &ref{ID: *req.PriorityID}
	}
	if req.Status != "" {
		body.Status = &ref{Name: req.Status}
	}
	var resp created
	if err := c.http.Send(ctx, http.MethodPost, "service/tickets", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == 0 {
		return "", fmt.Errorf("create ticket: no id in response")
	}
	c.log.Info("ticket created", zap.Int("ticket_id", resp.ID), zap.Int("company_id", companyID), zap.Int("board_id", boardID))
	return strconv.Itoa(resp.ID), nil
}

func (c *Client) CreateNote(ctx context.Context, ticketID, text string) (string, error) {
	id, err := strconv.Atoi(ticketID)
	if err != nil {
		return "", fmt.Errorf("create note: ticket id %q is not numeric", ticketID)
	}
	body := createNoteRequest{
		Text:                  text,
		TicketID:              id,
		InternalFlag:          true,
		DetailDescriptionFlag: true,
	}
	var resp created
	if err := c.http.Send(ctx, http.MethodPost, "service/tickets/"+ticketID+"/notes", nil, body, &resp); err != nil {
		return "", err
	}
	return strconv.Itoa(resp.ID), nil
}

// OwnerContact follows the member link carried on a ticket to the member's
// primary email.
func (c *Client) OwnerContact(ctx context.Context, ownerLink string) (string, error) {
	var m member
	if err := c.http.Do(ctx, http.MethodGet, ownerLink, nil, nil, &m); err != nil {
		return "", err
	}
	return m.PrimaryEmail, nil
}

// CompanyID maps a tenant to a company id. Unknown or deleted companies fall
// back to the default company; lookup failures are returned.
func (c *Client) CompanyID(ctx context.Context, tenant string) (int, error) {
	c.mu.Lock()
	def := c.defaultCompanyID
	c.mu.Unlock()
	if def == 0 {
		return 0, fmt.Errorf("default company not resolved; call Connect first")
	}
	if c.cfg.AvoidCompanyLookup || strings.TrimSpace(tenant) == "" {
		return def, nil
	}
	name := tenant
	if mapped, ok := c.cfg.TenantMap[tenant]; ok && mapped != "" {
		c.log.Debug("tenant mapped to company", zap.String("tenant", tenant), zap.String("company", mapped))
		name = mapped
	}
	id, err := c.lookupCompany(ctx, name)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		c.log.Warn("company not found; using default company",
			zap.String("company", name), zap.String("default_company", c.cfg.DefaultCompany))
		return def, nil
	}
	return id, nil
}

// lookupCompany returns 0 when no live company has that name.
func (c *Client) lookupCompany(ctx context.Context, name string) (int, error) {
	q := url.Values{}
	q.Set("conditions", "name="+quote(name))
	q.Set("fields", "id,name,status,deletedFlag")
	var companies []company
	if err := c.http.Do(ctx, http.MethodGet, "company/companies", q, nil, &companies); err != nil {
		return 0, err
	}
	for _, co := range companies {
		if co.ID == 0 {
			continue
		}
		if co.DeletedFlag {
			c.log.Warn("company flagged as deleted; skipping", zap.Int("company_id", co.ID), zap.String("company", name))
			continue
		}
		return co.ID, nil
	}
	return 0, nil
}

// ResolveBoard looks up name, then def. It returns syncer.ErrNotFound only
// when neither exists.
func (c *Client) ResolveBoard(ctx context.Context, name, def string) (int, error) {
	for _, n := range []string{name, def} {
		if strings.TrimSpace(n) == "" {
			continue
		}
		id, err := c.lookupBoard(ctx, n)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
		c.log.Warn("board not found", zap.String("board", n))
	}
	return 0, fmt.Errorf("board %q (default %q): %w", name, def, syncer.ErrNotFound)
}

func (c *Client) lookupBoard(ctx context.Context, name string) (int, error) {
	c.mu.Lock()
	id, ok := c.boards[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	q := url.Values{}
	q.Set("conditions", "name="+quote(name))
	q.Set("fields", "id,name")
	var boards []board
	if err := c.http.Do(ctx, http.MethodGet, "service/boards", q, nil, &boards); err != nil {
		return 0, err
	}
	for _, b := range boards {
		if b.ID != 0 {
			c.mu.Lock()
			c.boards[name] = b.ID
			c.mu.Unlock()
			return b.ID, nil
		}
	}
	return 0, nil
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
