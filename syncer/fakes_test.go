package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errMockRemote = errors.New("mock remote failure")

type mockTickets struct {
	mu sync.Mutex

	tickets []Ticket
	notes   map[string][]Note
	audit   map[string][]AuditEntry
	owners  map[string]string

	// failOps makes the named operation fail that many more times.
	failOps map[string]int

	created      []TicketRequest
	createdNotes map[string][]string
	nextID       int
	auditCalls   int
	ticketsSince []time.Time

	// onFetch runs inside TicketsSince, as edits landing during the fetch.
	onFetch func()
}

func newMockTickets() *mockTickets {
	return &mockTickets{
		notes:        map[string][]Note{},
		audit:        map[string][]AuditEntry{},
		owners:       map[string]string{},
		failOps:      map[string]int{},
		createdNotes: map[string][]string{},
		nextID:       1000,
	}
}

func (m *mockTickets) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = n
}

func (m *mockTickets) fail(op string) error {
	if m.failOps[op] > 0 {
		m.failOps[op]--
		return fmt.Errorf("%s: %w", op, errMockRemote)
	}
	return nil
}

func (m *mockTickets) TestConnection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("TestConnection")
}

func (m *mockTickets) TicketsSince(ctx context.Context, since time.Time) ([]Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticketsSince = append(m.ticketsSince, since)
	if m.onFetch != nil {
		m.onFetch()
	}
	if err := m.fail("TicketsSince"); err != nil {
		return nil, err
	}
	out := make([]Ticket, len(m.tickets))
	copy(out, m.tickets)
	return out, nil
}

func (m *mockTickets) Notes(ctx context.Context, ticketID string) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Notes"); err != nil {
		return nil, err
	}
	return append([]Note(nil), m.notes[ticketID]...), nil
}

func (m *mockTickets) AuditRecords(ctx context.Context, ticketID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditCalls++
	if err := m.fail("AuditRecords"); err != nil {
		return nil, err
	}
	return append([]AuditEntry(nil), m.audit[ticketID]...), nil
}

func (m *mockTickets) CreateTicket(ctx context.Context, req TicketRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateTicket"); err != nil {
		return "", err
	}
	m.nextID++
	m.created = append(m.created, req)
	return fmt.Sprintf("%d", m.nextID), nil
}

func (m *mockTickets) CreateNote(ctx context.Context, ticketID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateNote"); err != nil {
		return "", err
	}
	m.createdNotes[ticketID] = append(m.createdNotes[ticketID], text)
	return "1", nil
}

func (m *mockTickets) OwnerContact(ctx context.Context, ownerLink string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("OwnerContact"); err != nil {
		return "", err
	}
	return m.owners[ownerLink], nil
}

func (m *mockTickets) Created() []TicketRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TicketRequest(nil), m.created...)
}

type caseCall struct {
	op     string
	caseID string
	value  string
}

type mockCases struct {
	mu sync.Mutex

	cases     []Case
	summaries map[string]string
	alerts    map[string][]string
	failOps   map[string]int

	calls []caseCall

	onFetch func()
}

func newMockCases() *mockCases {
	return &mockCases{
		summaries: map[string]string{},
		alerts:    map[string][]string{},
		failOps:   map[string]int{},
	}
}

func (m *mockCases) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = n
}

func (m *mockCases) fail(op string) error {
	if m.failOps[op] > 0 {
		m.failOps[op]--
		return fmt.Errorf("%s: %w", op, errMockRemote)
	}
	return nil
}

func (m *mockCases) record(op, caseID, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(op); err != nil {
		return err
	}
	m.calls = append(m.calls, caseCall{op: op, caseID: caseID, value: value})
	return nil
}

func (m *mockCases) TestConnection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("TestConnection")
}

func (m *mockCases) CasesSince(ctx context.Context, since time.Time) ([]Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onFetch != nil {
		m.onFetch()
	}
	if err := m.fail("CasesSince"); err != nil {
		return nil, err
	}
	return append([]Case(nil), m.cases...), nil
}

func (m *mockCases) CaseSummary(ctx context.Context, caseID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CaseSummary"); err != nil {
		return "", err
	}
	return m.summaries[caseID], nil
}

func (m *mockCases) CaseAlerts(ctx context.Context, caseID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CaseAlerts"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.alerts[caseID]...), nil
}

func (m *mockCases) UpdateCaseStatus(ctx context.Context, caseID, status string) error {
	return m.record("UpdateCaseStatus", caseID, status)
}

func (m *mockCases) ResolveCase(ctx context.Context, caseID string) error {
	return m.record("ResolveCase", caseID, "")
}

func (m *mockCases) UpdateCaseAssignee(ctx context.Context, caseID, email string) error {
	return m.record("UpdateCaseAssignee", caseID, email)
}

func (m *mockCases) AddCaseComment(ctx context.Context, caseID, text string) error {
	return m.record("AddCaseComment", caseID, text)
}

func (m *mockCases) CaseURL(caseID string) string {
	return "https://cms.example.com/cases/case-detail?id=" + caseID
}

func (m *mockCases) Calls() []caseCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]caseCall(nil), m.calls...)
}

func (m *mockCases) CallsOf(op string) []caseCall {
	var out []caseCall
	for _, c := range m.Calls() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "case-sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ms parses a remote timestamp in tests.
func ms(t *testing.T, s string) int64 {
	t.Helper()
	v, err := ParseRemoteTime(s)
	require.NoError(t, err)
	return v
}
