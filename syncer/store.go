package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	_ LinkageStore    = (*SQLStore)(nil)
	_ CheckpointStore = (*SQLStore)(nil)
)

// SQLStore keeps linkages and checkpoints in one SQLite file.
type SQLStore struct {
	db *gorm.DB
}

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Linkage{}, &Checkpoint{}); err != nil {
		return nil, err
	}
	return db, nil
}

func NewSQLStore(path string) (*SQLStore, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

func (s *SQLStore) ReadCheckpoint(ctx context.Context, source string) (int64, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).Where("source = ?", source).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	return cp.TS, nil
}

func (s *SQLStore) WriteCheckpoint(ctx context.Context, source string, ts int64) error {
	cp := Checkpoint{Source: source, TS: ts, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"ts", "updated_at"}),
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	return nil
}

func (s *SQLStore) FindByCase(ctx context.Context, caseID string) (*Linkage, error) {
	return s.findOne(ctx, "case_id = ?", caseID)
}

func (s *SQLStore) FindByTicket(ctx context.Context, ticketID string) (*Linkage, error) {
	return s.findOne(ctx, "ticket_id = ?", ticketID)
}

func (s *SQLStore) findOne(ctx context.Context, where string, arg string) (*Linkage, error) {
	var l Linkage
	err := s.db.WithContext(ctx).Where(where, arg).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Insert records a new open linkage. It never overwrites: an existing case or
// ticket id yields ErrDuplicateLinkage.
func (s *SQLStore) Insert(ctx context.Context, caseID, caseNumber, ticketID string) error {
	if strings.TrimSpace(caseID) == "" || strings.TrimSpace(ticketID) == "" {
		return fmt.Errorf("insert linkage: case id and ticket id are required")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Linkage{}).
			Where("case_id = ? OR ticket_id = ?", caseID, ticketID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return &DuplicateLinkageError{CaseID: caseID, TicketID: ticketID}
		}
		return tx.Create(&Linkage{
			CaseID:     caseID,
			CaseNumber: caseNumber,
			TicketID:   ticketID,
			State:      StateOpen,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &DuplicateLinkageError{CaseID: caseID, TicketID: ticketID}
	}
	return err
}

// UpdateCursor raises last_synced_ts to ts. Lower or equal values are ignored
// so the cursor never moves backwards.
func (s *SQLStore) UpdateCursor(ctx context.Context, caseID string, ts int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l Linkage
		err := tx.Where("case_id = ?", caseID).First(&l).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update cursor for case %s: %w", caseID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if ts <= l.LastSyncedTS {
			return nil
		}
		return tx.Model(&Linkage{}).
			Where("id = ? AND last_synced_ts < ?", l.ID, ts).
			Update("last_synced_ts", ts).Error
	})
}

// CloseLinkage marks the linkage closed. Closing twice is a no-op.
func (s *SQLStore) CloseLinkage(ctx context.Context, caseID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l Linkage
		err := tx.Where("case_id = ?", caseID).First(&l).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("close linkage for case %s: %w", caseID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if l.State == StateClosed {
			return nil
		}
		now := time.Now().UTC()
		return tx.Model(&Linkage{}).
			Where("id = ? AND state = ?", l.ID, StateOpen).
			Updates(map[string]any{"state": StateClosed, "closed_at": &now}).Error
	})
}

// List returns linkages ordered by creation; an empty state returns all.
func (s *SQLStore) List(ctx context.Context, state string) ([]Linkage, error) {
	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var out []Linkage
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
