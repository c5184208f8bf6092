package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: record not found")

// Store wraps the off-chain metadata database.
type Store struct {
	db *gorm.DB
}

// Open connects to the store and applies migrations. DSNs beginning with
// postgres:// or postgresql:// select the postgres driver; anything else is
// treated as a sqlite path (":memory:" and file paths included), which the
// tests and the local development mode rely on.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("storage: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsDuplicate reports whether the error is a unique-constraint violation. The
// check lives here at the store boundary so callers branch on the result, not
// on driver message text.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// CreateBatch inserts a freshly confirmed registration row.
func (s *Store) CreateBatch(ctx context.Context, batch *Batch) error {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = StatusValid
	}
	return s.db.WithContext(ctx).Create(batch).Error
}

// GetBatch fetches a batch by its business identifier.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var batch Batch
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatchByAddress fetches a batch by its derived on-chain address.
func (s *Store) GetBatchByAddress(ctx context.Context, onChainAddress string) (*Batch, error) {
	var batch Batch
	err := s.db.WithContext(ctx).Where("on_chain_address = ?", onChainAddress).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns batches filtered by owner wallet and/or status. Empty
// filters match everything. Results are newest-first.
func (s *Store) ListBatches(ctx context.Context, ownerWallet string, status BatchStatus, limit int) ([]Batch, error) {
	query := s.db.WithContext(ctx).Model(&Batch{}).Order("created_at DESC")
	if strings.TrimSpace(ownerWallet) != "" {
		query = query.Where("current_owner_wallet = ?", ownerWallet)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var batches []Batch
	if err := query.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// AllBatches streams every batch row, oldest first. Used by the sweep.
func (s *Store) AllBatches(ctx context.Context) ([]Batch, error) {
	var batches []Batch
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// AppendTransfer records a confirmed transfer and moves custody in one
// transaction. The unique index on tx_ref makes redelivery a no-op for the
// log row; callers detect that via IsDuplicate.
func (s *Store) AppendTransfer(ctx context.Context, record *TransferRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		result := tx.Model(&Batch{}).
			Where("batch_id = ?", record.BatchID).
			Update("current_owner_wallet", record.ToWallet)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: batch %q", ErrNotFound, record.BatchID)
		}
		return nil
	})
}

// AppendFlag records a confirmed flag action and marks the batch FLAGGED.
func (s *Store) AppendFlag(ctx context.Context, record *FlagRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		result := tx.Model(&Batch{}).
			Where("batch_id = ?", record.BatchID).
			Update("status", StatusFlagged)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: batch %q", ErrNotFound, record.BatchID)
		}
		return nil
	})
}

// TransfersForBatch returns the transfer log for one batch, oldest first.
func (s *Store) TransfersForBatch(ctx context.Context, batchID string) ([]TransferRecord, error) {
	var records []TransferRecord
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FlagsForBatch returns the flag log for one batch, oldest first.
func (s *Store) FlagsForBatch(ctx context.Context, batchID string) ([]FlagRecord, error) {
	var records []FlagRecord
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// InsertAuditEvent appends one audit trail row.
func (s *Store) InsertAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// AuditEventsForBatch lists audit rows for one batch, newest first.
func (s *Store) AuditEventsForBatch(ctx context.Context, batchID string, limit int) ([]AuditEvent, error) {
	query := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []AuditEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountBatches reports the number of rows matching the batch identifier.
// Primarily used by tests asserting at-most-once registration.
func (s *Store) CountBatches(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Batch{}).Where("batch_id = ?", batchID).Count(&count).Error
	return count, err
}
