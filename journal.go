package archivist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// JournalEntry is the last ingestion outcome recorded for one id.
// The journal is informational; dedup never consults it.
type JournalEntry struct {
	ID        uint32 `gorm:"primaryKey;autoIncrement:false"`
	RunID     string `gorm:"index;column:run_id"`
	Name      string
	Outcome   string `gorm:"index"`
	Stage     string
	LastError string `gorm:"column:last_error"`
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (JournalEntry) TableName() string {
	return "ingest_journal"
}

// Journal records per-item ingestion outcomes across runs.
type Journal struct {
	db *gorm.DB
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	// Pure-Go sqlite driver registered by the index ("sqlite"), not cgo.
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("open journal: %w", err))
	}
	if err := db.AutoMigrate(&JournalEntry{}); err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("migrate journal: %w", err))
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record upserts the outcome for rec and bumps its attempt count.
func (j *Journal) Record(ctx context.Context, runID string, rec *Record, outcome Outcome, stage Stage, cause error) error {
	now := time.Now()
	entry := JournalEntry{
		ID:        rec.ID,
		RunID:     runID,
		Name:      rec.Name,
		Outcome:   string(outcome),
		Stage:     string(stage),
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}

	return j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"run_id":     entry.RunID,
			"name":       entry.Name,
			"outcome":    entry.Outcome,
			"stage":      entry.Stage,
			"last_error": entry.LastError,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}),
	}).Create(&entry).Error
}

// Get returns the journal entry for id.
func (j *Journal) Get(ctx context.Context, id uint32) (*JournalEntry, error) {
	var e JournalEntry
	err := j.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("journal entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Failed returns the most recently failed entries, newest first.
func (j *Journal) Failed(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("outcome = ?", string(OutcomeFailed)).
		Order("updated_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Counts returns the number of ids whose last outcome is each outcome.
func (j *Journal) Counts(ctx context.Context) (map[Outcome]int64, error) {
	var rows []struct {
		Outcome string
		N       int64
	}
	err := j.db.WithContext(ctx).
		Model(&JournalEntry{}).
		Select("outcome, COUNT(*) AS n").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[Outcome]int64, len(rows))
	for _, r := range rows {
		counts[Outcome(r.Outcome)] = r.N
	}
	return counts, nil
}
