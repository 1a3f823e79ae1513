package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ReconcilerConfig selects which fields propagate and how new tickets look.
type ReconcilerConfig struct {
	SyncStatus     bool
	StatusMap      StatusMapper
	SyncOwner      bool
	ForceOwnerSync bool
	// SyncNotes is ignored when SyncAuditRecords is set: audit records include notes.
	SyncNotes        bool
	SyncAuditRecords bool
	OwnerAuditType   string
	OwnerAuditSub    string

	Summary      SummaryOptions
	DefaultBoard string
	TicketStatus string
	SLA          SLATable
}

// Result describes what happened to one ticket or case.
type Result struct {
	Outcome string
	// FailedAt is the item's remote timestamp (epoch ms) when Outcome is OutcomeFailed.
	FailedAt int64
	Err      error
}

func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Reconciler applies remote changes to the other side, one item at a time.
// Returned errors are fatal; remote failures are reported in Result.
type Reconciler struct {
	cfg   ReconcilerConfig
	rts   TicketSystem
	cms   CaseSystem
	links LinkageStore
	log   *zap.Logger
}

func NewReconciler(cfg ReconcilerConfig, rts TicketSystem, cms CaseSystem, links LinkageStore, log *zap.Logger) *Reconciler {
	if cfg.SyncAuditRecords {
		cfg.SyncNotes = false
	}
	if cfg.OwnerAuditType == "" {
		cfg.OwnerAuditType = "Resource"
	}
	if cfg.OwnerAuditSub == "" {
		cfg.OwnerAuditSub = "Owner"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{cfg: cfg, rts: rts, cms: cms, links: links, log: log}
}

// ticketRun carries per-ticket state. snapshot is the cursor as stored when
// processing began; every comparison reads it, never the advancing value.
type ticketRun struct {
	ticket   Ticket
	caseID   string
	updated  int64
	snapshot int64
	log      *zap.Logger
	audit    []AuditEntry
	fetched  bool
	pushed   bool
}

// ReconcileTicket propagates status, ownership, notes and audit records of one
// ticket to its linked case.
func (r *Reconciler) ReconcileTicket(ctx context.Context, t Ticket) (Result, error) {
	log := r.log.With(zap.String("ticket_id", t.ID))
	link, err := r.links.FindByTicket(ctx, t.ID)
	if err != nil {
		return Result{}, fmt.Errorf("find linkage for ticket %s: %w", t.ID, err)
	}
	if link == nil || link.IsClosed() {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	run := &ticketRun{
		ticket:   t,
		caseID:   link.CaseID,
		updated:  RemoteMillis(log, "lastUpdated", t.LastUpdated),
		snapshot: link.LastSyncedTS,
		log:      log.With(zap.String("case_id", link.CaseID)),
	}
	if run.updated <= run.snapshot {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	run.log.Info("ticket modified since last sync",
		zap.String("updated", t.LastUpdated), zap.Int64("last_synced_ts", run.snapshot))

	steps := []func(context.Context, *ticketRun) (bool, error){
		r.syncStatus,
		r.syncOwner,
		r.syncNotes,
		r.syncAudit,
	}
	for _, step := range steps {
		done, err := step(ctx, run)
		if err != nil {
			return r.ticketFailure(ctx, run, err)
		}
		if done {
			return Result{Outcome: OutcomeClosed}, nil
		}
	}
	if run.pushed {
		if err := r.links.UpdateCursor(ctx, run.caseID, run.updated); err != nil {
			return Result{}, fmt.Errorf("advance cursor for case %s: %w", run.caseID, err)
		}
	}
	return Result{Outcome: OutcomeSynced}, nil
}

// ticketFailure splits step errors into fatal store errors and per-item
// remote failures.
func (r *Reconciler) ticketFailure(ctx context.Context, run *ticketRun, err error) (Result, error) {
	var se *storeError
	if errors.As(err, &se) {
		return Result{}, se.err
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	run.log.Error("ticket sync failed; will retry", zap.Error(err))
	return Result{Outcome: OutcomeFailed, FailedAt: run.updated, Err: err}, nil
}

func (r *Reconciler) syncStatus(ctx context.Context, run *ticketRun) (bool, error) {
	if !r.cfg.SyncStatus {
		return false, nil
	}
	status := r.cfg.StatusMap.Map(run.ticket.StatusName)
	if IsTerminalStatus(status) {
		run.log.Info("ticket reached terminal state; resolving case", zap.String("status", run.ticket.StatusName))
		if err := r.cms.ResolveCase(ctx, run.caseID); err != nil {
			return false, fmt.Errorf("resolve case: %w", err)
		}
		if err := r.links.CloseLinkage(ctx, run.caseID); err != nil {
			return false, wrapStore(fmt.Errorf("close linkage for case %s: %w", run.caseID, err))
		}
		return true, nil
	}
	if status == "" {
		run.log.Debug("no case status mapped", zap.String("status", run.ticket.StatusName))
		return false, nil
	}
	if err := r.cms.UpdateCaseStatus(ctx, run.caseID, status); err != nil {
		return false, fmt.Errorf("update case status: %w", err)
	}
	run.log.Info("updated case status", zap.String("ticket_status", run.ticket.StatusName), zap.String("case_status", status))
	run.pushed = true
	return false, nil
}

func (r *Reconciler) syncOwner(ctx context.Context, run *ticketRun) (bool, error) {
	if !r.cfg.SyncOwner {
		return false, nil
	}
	if !r.cfg.ForceOwnerSync {
		if err := r.loadAudit(ctx, run); err != nil {
			return false, err
		}
		entry, ts := latestOwnerChange(run.audit, r.cfg.OwnerAuditType, r.cfg.OwnerAuditSub, run.log)
		if entry == nil || ts <= run.snapshot {
			return false, nil
		}
	}
	if run.ticket.OwnerLink == "" {
		return false, nil
	}
	email, err := r.rts.OwnerContact(ctx, run.ticket.OwnerLink)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	if strings.TrimSpace(email) == "" {
		run.log.Warn("ticket owner has no contact address", zap.String("owner_link", run.ticket.OwnerLink))
		return false, nil
	}
	if err := r.cms.UpdateCaseAssignee(ctx, run.caseID, email); err != nil {
		return false, fmt.Errorf("update case assignee: %w", err)
	}
	run.log.Info("updated case assignee", zap.String("assignee", email))
	run.pushed = true
	return false, nil
}

func (r *Reconciler) syncNotes(ctx context.Context, run *ticketRun) (bool, error) {
	if !r.cfg.SyncNotes {
		return false, nil
	}
	notes, err := r.rts.Notes(ctx, run.ticket.ID)
	if err != nil {
		return false, fmt.Errorf("fetch notes: %w", err)
	}
	items := make([]stamped, 0, len(notes))
	for _, n := range notes {
		items = append(items, stamped{
			ts:   RemoteMillis(run.log, "note.lastUpdated", n.LastUpdated),
			text: n.Text,
			id:   n.ID,
		})
	}
	return false, r.applyComments(ctx, run, items, "note")
}

func (r *Reconciler) syncAudit(ctx context.Context, run *ticketRun) (bool, error) {
	if !r.cfg.SyncAuditRecords {
		return false, nil
	}
	if err := r.loadAudit(ctx, run); err != nil {
		return false, err
	}
	items := make([]stamped, 0, len(run.audit))
	for _, e := range run.audit {
		items = append(items, stamped{
			ts:   RemoteMillis(run.log, "audit.enteredDate", e.EnteredDate),
			text: FormatAuditComment(e),
			id:   e.EnteredDate + "/" + e.EnteredBy,
		})
	}
	return false, r.applyComments(ctx, run, items, "audit record")
}

func (r *Reconciler) loadAudit(ctx context.Context, run *ticketRun) error {
	if run.fetched {
		return nil
	}
	audit, err := r.rts.AuditRecords(ctx, run.ticket.ID)
	if err != nil {
		return fmt.Errorf("fetch audit records: %w", err)
	}
	run.audit = audit
	run.fetched = true
	return nil
}

type stamped struct {
	ts   int64
	text string
	id   string
}

// applyComments appends every item newer than the snapshot, oldest first, and
// advances the cursor to each applied item.
func (r *Reconciler) applyComments(ctx context.Context, run *ticketRun, items []stamped, kind string) error {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts < items[j].ts })
	for _, it := range items {
		if it.ts <= run.snapshot {
			continue
		}
		if err := r.cms.AddCaseComment(ctx, run.caseID, it.text); err != nil {
			return fmt.Errorf("add %s %s as comment: %w", kind, it.id, err)
		}
		run.log.Info("added case comment", zap.String("kind", kind), zap.String("item", it.id))
		if err := r.links.UpdateCursor(ctx, run.caseID, it.ts); err != nil {
			return wrapStore(fmt.Errorf("advance cursor for case %s: %w", run.caseID, err))
		}
	}
	return nil
}

// latestOwnerChange picks the newest audit entry of the ownership category.
func latestOwnerChange(entries []AuditEntry, auditType, subType string, log *zap.Logger) (*AuditEntry, int64) {
	var best *AuditEntry
	var bestTS int64
	for i := range entries {
		e := &entries[i]
		if e.Type != auditType || e.SubType != subType {
			continue
		}
		ts := RemoteMillis(log, "audit.enteredDate", e.EnteredDate)
		if best == nil || ts > bestTS {
			best, bestTS = e, ts
		}
	}
	return best, bestTS
}

// ReconcileCase opens a ticket for a case that has none.
func (r *Reconciler) ReconcileCase(ctx context.Context, c Case) (Result, error) {
	log := r.log.With(zap.String("case_id", c.ID), zap.String("case_number", c.Number))
	link, err := r.links.FindByCase(ctx, c.ID)
	if err != nil {
		return Result{}, fmt.Errorf("find linkage for case %s: %w", c.ID, err)
	}
	if link != nil {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	fail := func(err error) (Result, error) {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("ticket creation failed; case stays unlinked", zap.Error(err))
		return Result{Outcome: OutcomeFailed, FailedAt: c.ModifiedAt, Err: err}, nil
	}

	caseSummary, err := r.cms.CaseSummary(ctx, c.ID)
	if err != nil {
		return fail(fmt.Errorf("fetch case summary: %w", err))
	}
	alerts, err := r.cms.CaseAlerts(ctx, c.ID)
	if err != nil {
		return fail(fmt.Errorf("fetch case alerts: %w", err))
	}
	caseURL := r.cms.CaseURL(c.ID)

	tier, priority := r.cfg.SLA.Classify(c.Score)
	req := TicketRequest{
		Summary:    BuildSummary(c.Name, r.cfg.Summary, c.TenantName, c.Number, tier),
		Company:    c.TenantName,
		Board:      r.cfg.DefaultBoard,
		PriorityID: priority,
		Status:     r.cfg.TicketStatus,
	}
	log.Info("creating ticket", zap.String("url", caseURL), zap.String("tier", tier), zap.Int("score", c.Score))
	ticketID, err := r.rts.CreateTicket(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("create ticket: %w", err))
	}
	log = log.With(zap.String("ticket_id", ticketID))

	// Link first: from here on a retry would open a second ticket.
	if err := r.links.Insert(ctx, c.ID, c.Number, ticketID); err != nil {
		return Result{}, fmt.Errorf("record linkage for case %s: %w", c.ID, err)
	}
	note := BuildInitialNote(caseSummary, c.TenantName, caseURL, alerts)
	if _, err := r.rts.CreateNote(ctx, ticketID, note); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn("initial ticket note failed", zap.Error(err))
	}
	if err := r.cms.AddCaseComment(ctx, c.ID, TicketCreatedComment(ticketID)); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn("ticket created comment failed", zap.Error(err))
	}
	log.Info("ticket created")
	return Result{Outcome: OutcomeCreated}, nil
}

// storeError marks a step failure that came from the local store.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func wrapStore(err error) error {
	return &storeError{err: err}
}

