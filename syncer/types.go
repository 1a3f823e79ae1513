package syncer

import (
	"context"
	"time"
)

// Ticket is the subset of a remote ticket the reconciler reads.
type Ticket struct {
	ID         string
	Summary    string
	StatusName string
	// OwnerLink is the remote's direct link to the owning member; empty when unowned.
	OwnerLink string
	// LastUpdated is the remote wall-clock string, e.g. 2025-12-04T10:22:31Z.
	LastUpdated string
}

type Note struct {
	ID          string
	Text        string
	LastUpdated string
}

type AuditEntry struct {
	Type        string
	SubType     string
	Source      string
	EnteredBy   string
	EnteredDate string
	Text        string
}

// Case is a case-management record as returned by a "modified since" query.
type Case struct {
	ID         string
	Number     string
	Name       string
	Score      int
	TenantName string
	// ModifiedAt is epoch milliseconds; 0 when the remote did not report it.
	ModifiedAt int64
}

// TicketRequest carries everything needed to open a ticket. Company and Board
// are names; the ticketing client resolves them to ids.
type TicketRequest struct {
	Summary    string
	Company    string
	Board      string
	PriorityID *int
	// Status is left unset on the remote when empty.
	Status string
}

// TicketSystem is the remote ticketing system as seen by the reconciler.
type TicketSystem interface {
	TestConnection(ctx context.Context) error
	TicketsSince(ctx context.Context, since time.Time) ([]Ticket, error)
	Notes(ctx context.Context, ticketID string) ([]Note, error)
	AuditRecords(ctx context.Context, ticketID string) ([]AuditEntry, error)
	CreateTicket(ctx context.Context, req TicketRequest) (string, error)
	CreateNote(ctx context.Context, ticketID, text string) (string, error)
	OwnerContact(ctx context.Context, ownerLink string) (string, error)
}

// CaseSystem is the case-management system as seen by the reconciler.
type CaseSystem interface {
	TestConnection(ctx context.Context) error
	CasesSince(ctx context.Context, since time.Time) ([]Case, error)
	CaseSummary(ctx context.Context, caseID string) (string, error)
	CaseAlerts(ctx context.Context, caseID string) ([]string, error)
	UpdateCaseStatus(ctx context.Context, caseID, status string) error
	ResolveCase(ctx context.Context, caseID string) error
	UpdateCaseAssignee(ctx context.Context, caseID, email string) error
	AddCaseComment(ctx context.Context, caseID, text string) error
	CaseURL(caseID string) string
}

// CheckpointStore persists the last processed timestamp per poll source.
type CheckpointStore interface {
	// ReadCheckpoint returns 0 for a source that was never written.
	ReadCheckpoint(ctx context.Context, source string) (int64, error)
	WriteCheckpoint(ctx context.Context, source string, ts int64) error
}

// LinkageStore persists case↔ticket associations.
type LinkageStore interface {
	FindByCase(ctx context.Context, caseID string) (*Linkage, error)
	FindByTicket(ctx context.Context, ticketID string) (*Linkage, error)
	Insert(ctx context.Context, caseID, caseNumber, ticketID string) error
	UpdateCursor(ctx context.Context, caseID string, ts int64) error
	CloseLinkage(ctx context.Context, caseID string) error
	List(ctx context.Context, state string) ([]Linkage, error)
}

// Poll sources, used as checkpoint keys and log/metric labels.
const (
	SourceRTS = "rts"
	SourceCMS = "cms"
)
