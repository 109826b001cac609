// Package sqlstore keeps history entries in a SQL database through gorm. The
// default driver is a pure Go SQLite.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/koscakluka/ema-vtuber/core/history"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type entryRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index:idx_history_session;size:128;not null"`
	HistoryID      string `gorm:"index:idx_history_session;size:128;not null"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text"`
	Name           string `gorm:"size:128"`
	Avatar         string `gorm:"size:512"`
	CreatedAt      time.Time
}

func (entryRecord) TableName() string { return "history_entries" }

type Store struct {
	db *gorm.DB
}

// Open opens the SQLite database at dsn, e.g. "history.db" or
// "file::memory:?cache=shared".
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return New(db)
}

// New uses an existing connection and migrates the history table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, entry history.Entry) error {
	entry = entry.Stamp(time.Now())
	record := entryRecord{
		ConversationID: entry.ConversationID,
		HistoryID:      entry.HistoryID,
		Role:           string(entry.Role),
		Content:        entry.Content,
		Name:           entry.Name,
		Avatar:         entry.Avatar,
		CreatedAt:      entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to store history entry: %w", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, conversationID, historyID string) ([]history.Entry, error) {
	var records []entryRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND history_id = ?", conversationID, historyID).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history entries: %w", err)
	}

	entries := make([]history.Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, history.Entry{
			ConversationID: record.ConversationID,
			HistoryID:      record.HistoryID,
			Role:           history.Role(record.Role),
			Content:        record.Content,
			Name:           record.Name,
			Avatar:         record.Avatar,
			CreatedAt:      record.CreatedAt,
		})
	}
	return entries, nil
}

// Histories lists the history sessions of a conversation, oldest first.
func (s *Store) Histories(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&entryRecord{}).
		Where("conversation_id = ?", conversationID).
		Group("history_id").
		Order("MIN(id)").
		Pluck("history_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	return ids, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
