package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestReconciler(t *testing.T, cfg ReconcilerConfig) (*Reconciler, *mockTickets, *mockCases, *SQLStore) {
	t.Helper()
	tickets := newMockTickets()
	cases := newMockCases()
	store := newTestStore(t)
	return NewReconciler(cfg, tickets, cases, store, zaptest.NewLogger(t)), tickets, cases, store
}

func creationConfig(t *testing.T) ReconcilerConfig {
	return ReconcilerConfig{
		SLA:          testSLA(t),
		DefaultBoard: "SOC",
	}
}

func TestReconcileCase_CreatesTicketNoteCommentAndLinkage(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, creationConfig(t))
	cases.summaries["c1"] = "Disk usage above 99%"
	cases.alerts["c1"] = []string{"Disk Full", "Service Down"}

	res, err := rec.ReconcileCase(ctx, Case{ID: "c1", Number: "101", Name: "disk full", Score: 95, TenantName: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	created := tickets.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "[CRITICAL] disk full", created[0].Summary)
	assert.Equal(t, "Acme", created[0].Company)
	assert.Equal(t, "SOC", created[0].Board)
	require.NotNil(t, created[0].PriorityID)
	assert.Equal(t, 1, *created[0].PriorityID)
	assert.Empty(t, created[0].Status)

	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "1001", link.TicketID)
	assert.Equal(t, "101", link.CaseNumber)
	assert.Equal(t, StateOpen, link.State)

	notes := tickets.createdNotes["1001"]
	require.Len(t, notes, 1)
	assert.Equal(t, "Disk usage above 99%\n\nAcme\n\nhttps://cms.example.com/cases/case-detail?id=c1\n\n- Disk Full\n- Service Down\n", notes[0])

	comments := cases.CallsOf("AddCaseComment")
	require.Len(t, comments, 1)
	assert.Equal(t, "Ticket created: [1001]", comments[0].value)
}

func TestReconcileCase_ExplicitTicketStatusSentVerbatim(t *testing.T) {
	cfg := creationConfig(t)
	cfg.TicketStatus = "New"
	rec, tickets, _, _ := newTestReconciler(t, cfg)

	_, err := rec.ReconcileCase(context.Background(), Case{ID: "c1", Name: "x", TenantName: "Acme"})
	require.NoError(t, err)
	require.Len(t, tickets.Created(), 1)
	assert.Equal(t, "New", tickets.Created()[0].Status)
}

func TestReconcileCase_IdempotentAcrossPasses(t *testing.T) {
	ctx := context.Background()
	rec, tickets, _, _ := newTestReconciler(t, creationConfig(t))
	c := Case{ID: "c1", Number: "101", Name: "disk full", Score: 95, TenantName: "Acme"}

	res, err := rec.ReconcileCase(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	res, err = rec.ReconcileCase(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Len(t, tickets.Created(), 1)
}

func TestReconcileCase_CreationFailureIsRetriedNextPass(t *testing.T) {
	ctx := context.Background()
	rec, tickets, _, store := newTestReconciler(t, creationConfig(t))
	c := Case{ID: "c1", Name: "disk full", TenantName: "Acme", ModifiedAt: 5000}
	tickets.FailNext("CreateTicket", 1)

	res, err := rec.ReconcileCase(ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, int64(5000), res.FailedAt)
	assert.ErrorIs(t, res.Err, errMockRemote)
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, link)

	res, err = rec.ReconcileCase(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Len(t, tickets.Created(), 1)
}

func TestReconcileCase_SummaryOrAlertFailureSkipsCase(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, creationConfig(t))

	cases.FailNext("CaseSummary", 1)
	res, err := rec.ReconcileCase(ctx, Case{ID: "c1", Name: "x"})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	cases.FailNext("CaseAlerts", 1)
	res, err = rec.ReconcileCase(ctx, Case{ID: "c1", Name: "x"})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	assert.Empty(t, tickets.Created())
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, link)
}

func TestReconcileCase_NoteFailureStillLinks(t *testing.T) {
	ctx := context.Background()
	rec, tickets, _, store := newTestReconciler(t, creationConfig(t))
	tickets.FailNext("CreateNote", 1)

	res, err := rec.ReconcileCase(ctx, Case{ID: "c1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, link)
}

func TestReconcileCase_DuplicateLinkageIsFatal(t *testing.T) {
	ctx := context.Background()
	rec, _, _, store := newTestReconciler(t, creationConfig(t))
	// The mock hands out 1001 next; pretend another case already owns it.
	require.NoError(t, store.Insert(ctx, "c0", "100", "1001"))

	_, err := rec.ReconcileCase(ctx, Case{ID: "c1", Name: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateLinkage)
}

func linkedTicket(t *testing.T, store *SQLStore, caseID, ticketID string, cursor int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, caseID, "n-"+caseID, ticketID))
	if cursor > 0 {
		require.NoError(t, store.UpdateCursor(ctx, caseID, cursor))
	}
}

func TestReconcileTicket_TerminalStatusClosesCaseAndLinkage(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{
		SyncStatus:       true,
		StatusMap:        NewStatusMapper(map[string]string{"Completed": "Resolved", "default": "In Progress"}),
		SyncAuditRecords: true,
	})
	linkedTicket(t, store, "c1", "t1", 0)
	tickets.audit["t1"] = []AuditEntry{{Type: "Ticket", EnteredDate: "2025-12-04T10:00:00Z", Text: "closed"}}
	ticket := Ticket{ID: "t1", StatusName: "Completed", LastUpdated: "2025-12-04T10:00:00Z"}

	res, err := rec.ReconcileTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcome)

	calls := cases.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ResolveCase", calls[0].op)
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, link.IsClosed())

	// Later changes on the same ticket are not propagated.
	ticket.LastUpdated = "2025-12-05T10:00:00Z"
	res, err = rec.ReconcileTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Len(t, cases.Calls(), 1)
}

func TestReconcileTicket_AllNewAuditEntriesAppliedCursorAtLatest(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncAuditRecords: true})
	linkedTicket(t, store, "c1", "t1", ms(t, "2025-12-04T09:00:00Z"))
	tickets.audit["t1"] = []AuditEntry{
		{Type: "Ticket", SubType: "Status", EnteredBy: "b", EnteredDate: "2025-12-04T10:05:00Z", Text: "second"},
		{Type: "Ticket", SubType: "Note", EnteredBy: "a", EnteredDate: "2025-12-04T10:01:00Z", Text: "first"},
		{Type: "Ticket", SubType: "Note", EnteredBy: "z", EnteredDate: "2025-12-04T08:00:00Z", Text: "old"},
	}

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", LastUpdated: "2025-12-04T10:05:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)

	comments := cases.CallsOf("AddCaseComment")
	require.Len(t, comments, 2)
	assert.Contains(t, comments[0].value, "[first]")
	assert.Contains(t, comments[1].value, "[second]")

	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ms(t, "2025-12-04T10:05:00Z"), link.LastSyncedTS)

	// Re-running the same ticket applies nothing.
	res, err = rec.ReconcileTicket(ctx, Ticket{ID: "t1", LastUpdated: "2025-12-04T10:05:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Len(t, cases.CallsOf("AddCaseComment"), 2)
}

func TestReconcileTicket_NotesComparedAgainstStartingCursor(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncNotes: true})
	linkedTicket(t, store, "c1", "t1", ms(t, "2025-12-04T09:00:00Z"))
	tickets.notes["t1"] = []Note{
		{ID: "3", Text: "newest", LastUpdated: "2025-12-04T10:03:00Z"},
		{ID: "1", Text: "older", LastUpdated: "2025-12-04T08:59:59Z"},
		{ID: "2", Text: "newer", LastUpdated: "2025-12-04T10:01:00Z"},
	}

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", LastUpdated: "2025-12-04T10:03:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)

	comments := cases.CallsOf("AddCaseComment")
	require.Len(t, comments, 2)
	assert.Equal(t, "newer", comments[0].value)
	assert.Equal(t, "newest", comments[1].value)
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ms(t, "2025-12-04T10:03:00Z"), link.LastSyncedTS)
}

func TestReconcileTicket_AuditSyncSuppressesNotes(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncNotes: true, SyncAuditRecords: true})
	linkedTicket(t, store, "c1", "t1", 0)
	tickets.notes["t1"] = []Note{{ID: "1", Text: "note", LastUpdated: "2025-12-04T10:00:00Z"}}
	tickets.audit["t1"] = []AuditEntry{{Type: "Ticket", EnteredDate: "2025-12-04T10:00:00Z", Text: "audit"}}

	_, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", LastUpdated: "2025-12-04T10:00:00Z"})
	require.NoError(t, err)
	comments := cases.CallsOf("AddCaseComment")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].value, "RTS audit record")
}

func TestReconcileTicket_SkipsUnlinkedAndNotNewer(t *testing.T) {
	ctx := context.Background()
	rec, _, cases, store := newTestReconciler(t, ReconcilerConfig{
		SyncStatus: true,
		StatusMap:  NewStatusMapper(map[string]string{"default": "In Progress"}),
	})
	linkedTicket(t, store, "c1", "t1", ms(t, "2025-12-04T10:00:00Z"))

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "unknown", LastUpdated: "2025-12-04T11:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	res, err = rec.ReconcileTicket(ctx, Ticket{ID: "t1", LastUpdated: "2025-12-04T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, cases.Calls())
}

func TestReconcileTicket_StatusPushAdvancesCursorToTicketUpdate(t *testing.T) {
	ctx := context.Background()
	rec, _, cases, store := newTestReconciler(t, ReconcilerConfig{
		SyncStatus: true,
		StatusMap:  NewStatusMapper(map[string]string{"In Progress": "In Progress"}),
	})
	linkedTicket(t, store, "c1", "t1", 0)

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", StatusName: "In Progress", LastUpdated: "2025-12-04T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	calls := cases.CallsOf("UpdateCaseStatus")
	require.Len(t, calls, 1)
	assert.Equal(t, "In Progress", calls[0].value)

	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ms(t, "2025-12-04T10:00:00Z"), link.LastSyncedTS)
}

func TestReconcileTicket_UnmappedStatusPushesNothing(t *testing.T) {
	ctx := context.Background()
	rec, _, cases, store := newTestReconciler(t, ReconcilerConfig{SyncStatus: true})
	linkedTicket(t, store, "c1", "t1", 0)

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", StatusName: "Whatever", LastUpdated: "2025-12-04T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Empty(t, cases.Calls())
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), link.LastSyncedTS)
}

func TestReconcileTicket_OwnerFromAuditReusesFetchedRecords(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncOwner: true, SyncAuditRecords: true})
	linkedTicket(t, store, "c1", "t1", ms(t, "2025-12-04T09:00:00Z"))
	tickets.owners["https://rts/members/7"] = "owner@example.com"
	tickets.audit["t1"] = []AuditEntry{
		{Type: "Resource", SubType: "Owner", EnteredDate: "2025-12-04T08:00:00Z", Text: "old owner"},
		{Type: "Resource", SubType: "Owner", EnteredDate: "2025-12-04T10:00:00Z", Text: "new owner"},
	}

	res, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", OwnerLink: "https://rts/members/7", LastUpdated: "2025-12-04T10:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)

	assignees := cases.CallsOf("UpdateCaseAssignee")
	require.Len(t, assignees, 1)
	assert.Equal(t, "owner@example.com", assignees[0].value)
	assert.Len(t, cases.CallsOf("AddCaseComment"), 1)
	assert.Equal(t, 1, tickets.auditCalls)

	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ms(t, "2025-12-04T10:30:00Z"), link.LastSyncedTS)
}

func TestReconcileTicket_OwnerWithoutAuditEntryIsNoop(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncOwner: true})
	linkedTicket(t, store, "c1", "t1", 0)
	tickets.owners["https://rts/members/7"] = "owner@example.com"

	_, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", OwnerLink: "https://rts/members/7", LastUpdated: "2025-12-04T10:30:00Z"})
	require.NoError(t, err)
	assert.Empty(t, cases.Calls())
}

func TestReconcileTicket_ForcedOwnerSyncPushesEveryTime(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncOwner: true, ForceOwnerSync: true})
	linkedTicket(t, store, "c1", "t1", 0)
	tickets.owners["https://rts/members/7"] = "owner@example.com"

	_, err := rec.ReconcileTicket(ctx, Ticket{ID: "t1", OwnerLink: "https://rts/members/7", LastUpdated: "2025-12-04T10:00:00Z"})
	require.NoError(t, err)
	_, err = rec.ReconcileTicket(ctx, Ticket{ID: "t1", OwnerLink: "https://rts/members/7", LastUpdated: "2025-12-04T11:00:00Z"})
	require.NoError(t, err)

	assert.Len(t, cases.CallsOf("UpdateCaseAssignee"), 2)
	assert.Equal(t, 0, tickets.auditCalls)
}

func TestReconcileTicket_RemoteFailureKeepsCursorForRetry(t *testing.T) {
	ctx := context.Background()
	rec, tickets, cases, store := newTestReconciler(t, ReconcilerConfig{SyncAuditRecords: true})
	linkedTicket(t, store, "c1", "t1", 0)
	tickets.audit["t1"] = []AuditEntry{
		{Type: "Ticket", EnteredDate: "2025-12-04T10:01:00Z", Text: "first"},
		{Type: "Ticket", EnteredDate: "2025-12-04T10:02:00Z", Text: "second"},
	}
	ticket := Ticket{ID: "t1", LastUpdated: "2025-12-04T10:02:00Z"}
	cases.FailNext("AddCaseComment", 1)

	res, err := rec.ReconcileTicket(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, ms(t, "2025-12-04T10:02:00Z"), res.FailedAt)
	link, err := store.FindByCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), link.LastSyncedTS)

	res, err = rec.ReconcileTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	comments := cases.CallsOf("AddCaseComment")
	require.Len(t, comments, 2)
	assert.Contains(t, comments[0].value, "[first]")
	assert.Contains(t, comments[1].value, "[second]")
}
