// Package history records files received by the CLI in a local SQLite file.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one received file.
type Entry struct {
	ID          uint   `gorm:"primaryKey"`
	FileID      string `gorm:"index;not null"`
	Name        string `gorm:"not null"`
	Size        int64
	MimeType    string
	Path        string
	SenderID    string
	CompletedAt time.Time `gorm:"index"`
}

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores e. A zero CompletedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return Entry{}, fmt.Errorf("record %s: %w", e.Name, err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	q := s.db.WithContext(ctx).Order("completed_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
