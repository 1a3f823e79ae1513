package syncer

import "time"

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Linkage associates one case with the ticket created for it.
type Linkage struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	CaseID     string `gorm:"uniqueIndex;size:128;not null" json:"case_id"`
	CaseNumber string `gorm:"size:128" json:"case_number"`
	TicketID   string `gorm:"uniqueIndex;size:128;not null" json:"ticket_id"`
	// LastSyncedTS is the cursor (epoch ms): remote changes at or below it are applied.
	LastSyncedTS int64      `json:"last_synced_ts"`
	State        string     `gorm:"index;size:16;not null" json:"state"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func (l *Linkage) IsClosed() bool {
	return l != nil && l.State == StateClosed
}

type Checkpoint struct {
	Source    string `gorm:"primaryKey;size:32"`
	TS        int64
	UpdatedAt time.Time
}
