// Package audit implements the optional audit sink: it persists every
// terminal eventbus.Event to SQLite via GORM, giving the CLI inspector
// mentioned in spec.md §1 a durable backing store to report, tail, and
// reset against.
package audit

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rivermint/policygate/eventbus"
)

// Record is the persisted row for one audit event.
type Record struct {
	ID        string `gorm:"primaryKey"`
	EventID   string `gorm:"index"`
	Timestamp int64  `gorm:"index"`
	User      string `gorm:"index"`
	Plan      string `gorm:"index"`
	Endpoint  string `gorm:"index"`
	Type      string `gorm:"index"`
	Window    string
	Value     float64
	Threshold float64
	Tokens    int64
}

// Sink persists events to a SQLite-backed GORM database.
type Sink struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path, applies pragmas
// in the manner of a typical GORM/SQLite bootstrap, migrates the Record
// schema, and returns a ready Sink.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}

	return &Sink{db: db}, nil
}

// Handler returns an eventbus.Handler persisting every event, suitable
// for registration via Bus.OnAsync so a slow disk never blocks the
// request path.
func (s *Sink) Handler() eventbus.Handler {
	return func(e eventbus.Event) error {
		rec := Record{
			ID:        uuid.NewString(),
			EventID:   e.ID,
			Timestamp: e.Timestamp,
			User:      e.User,
			Plan:      e.Plan,
			Endpoint:  e.Endpoint,
			Type:      string(e.Type),
			Window:    e.Window,
			Value:     e.Value,
			Threshold: e.Threshold,
			Tokens:    e.Tokens,
		}
		return s.db.Create(&rec).Error
	}
}

// ReportRow is one row of a Report: the number of persisted events for
// one (plan, endpoint, type) group, aggregated through the Record model.
type ReportRow struct {
	Plan     string
	Endpoint string
	Type     string
	Count    int64
}

// Report returns counts grouped by plan/endpoint/type for events with
// Timestamp >= since.Unix().
func (s *Sink) Report(ctx context.Context, since time.Time) ([]ReportRow, error) {
	var rows []ReportRow
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("plan, endpoint, type, count(*) as count").
		Where("timestamp >= ?", since.Unix()).
		Group("plan, endpoint, type").
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

// Tail returns the most recent n records, newest first.
func (s *Sink) Tail(ctx context.Context, n int) ([]Record, error) {
	var recs []Record
	err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(n).Find(&recs).Error
	return recs, err
}

// Reset deletes every persisted record.
func (s *Sink) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&Record{}).Error
}

// Close releases the underlying database connection.
func (s *Sink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
