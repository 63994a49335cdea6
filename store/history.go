// Package store persists a history of terminal download results. It is
// an external collaborator of the coordination core: it observes results
// through the manager's subscription API and owns its own on-disk format.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ripstream-core/downloader"
)

// DownloadRecord is one row of download history
type DownloadRecord struct {
	ID           uint   `gorm:"primaryKey"`
	TaskID       string `gorm:"uniqueIndex;size:36"`
	ContentID    string `gorm:"index"`
	Source       string `gorm:"index"`
	FilePath     string
	Success      bool
	BytesWritten int64
	ElapsedMS    int64
	ErrorType    string
	ErrorMessage string
	AttemptCount int
	CreatedAt    time.Time
}

// HistoryStore records terminal download results in a SQLite database
type HistoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open creates or opens the history database at path and migrates the
// schema
func Open(path string, logger *zap.Logger) (*HistoryStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.AutoMigrate(&DownloadRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	return &HistoryStore{
		db:     db,
		logger: logger.Named("store"),
	}, nil
}

// Record persists one terminal result. Duplicate task IDs are ignored so
// racing delivery paths cannot produce two rows.
func (s *HistoryStore) Record(result *downloader.DownloadResult) error {
	record := DownloadRecord{
		TaskID:       result.TaskID.String(),
		ContentID:    result.ContentID,
		Source:       result.Source,
		FilePath:     result.FilePath,
		Success:      result.Success,
		BytesWritten: result.BytesWritten,
		ElapsedMS:    result.Elapsed.Milliseconds(),
		AttemptCount: result.AttemptCount,
		CreatedAt:    time.Now(),
	}
	if result.Error != nil {
		record.ErrorType = result.Error.Type.String()
		record.ErrorMessage = result.Error.Message
	}

	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Observer adapts the store to the manager's result subscription.
// Persistence failures are logged, never propagated into the download
// path.
func (s *HistoryStore) Observer() downloader.ResultFunc {
	return func(result *downloader.DownloadResult) {
		if err := s.Record(result); err != nil {
			s.logger.Warn("failed to persist download record",
				zap.String("task_id", result.TaskID.String()),
				zap.Error(err))
		}
	}
}

// Recent returns the most recent n records, newest first
func (s *HistoryStore) Recent(n int) ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := s.db.Order("created_at desc").Limit(n).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

// BySource returns all records for one source, newest first
func (s *HistoryStore) BySource(source string) ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := s.db.Where("source = ?", source).Order("created_at desc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

// Close releases the underlying database handle
func (s *HistoryStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
