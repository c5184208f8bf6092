package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BatchStatus enumerates the lifecycle states recorded off-chain. The value is
// monotonic in practice: once FLAGGED or EXPIRED a batch never returns to
// VALID.
type BatchStatus string

const (
	StatusValid   BatchStatus = "VALID"
	StatusFlagged BatchStatus = "FLAGGED"
	StatusExpired BatchStatus = "EXPIRED"
)

// Batch mirrors a confirmed on-chain batch registration. The ledger owns the
// authoritative facts; these rows are a query-optimised cache maintained by
// the reconciler.
type Batch struct {
	ID                 uuid.UUID   `gorm:"type:uuid;primaryKey"`
	BatchID            string      `gorm:"uniqueIndex;size:64;not null"`
	ProductName        string      `gorm:"size:255;not null"`
	MfgDate            time.Time   `gorm:"not null"`
	ExpDate            time.Time   `gorm:"not null;index"`
	ManufacturerWallet string      `gorm:"size:90;index"`
	CurrentOwnerWallet string      `gorm:"size:90;index"`
	Status             BatchStatus `gorm:"size:16;index"`
	OnChainAddress     string      `gorm:"uniqueIndex;size:90"`
	RegistrationTxRef  string      `gorm:"uniqueIndex;size:130"`
	MetadataHash       string      `gorm:"size:130"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectiveStatus derives the reported status without mutating the stored one:
// a VALID batch past its expiry date reads as EXPIRED.
func (b *Batch) EffectiveStatus(now time.Time) BatchStatus {
	if b.Status == StatusValid && now.After(b.ExpDate) {
		return StatusExpired
	}
	return b.Status
}

// TransferRecord is an append-only log entry for one confirmed ownership
// transfer. Rows are never mutated or deleted; the transaction reference
// carries the uniqueness constraint that makes replays benign.
type TransferRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	BatchID    string    `gorm:"size:64;index;not null"`
	FromWallet string    `gorm:"size:90;index"`
	ToWallet   string    `gorm:"size:90;index"`
	TxRef      string    `gorm:"uniqueIndex;size:130;not null"`
	CreatedAt  time.Time
}

// FlagRecord is an append-only log entry for one confirmed flag action.
type FlagRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	BatchID         string    `gorm:"size:64;index;not null"`
	FlaggedByWallet string    `gorm:"size:90;index"`
	Reason          string    `gorm:"type:text"`
	TxRef           string    `gorm:"uniqueIndex;size:130;not null"`
	CreatedAt       time.Time
}

// AuditEvent is the write-only audit trail consumed by downstream monitoring.
type AuditEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind        string    `gorm:"size:64;index;not null"`
	BatchID     *string   `gorm:"size:64;index"`
	ActorWallet string    `gorm:"size:90;index"`
	TxRef       string    `gorm:"size:130"`
	Severity    string    `gorm:"size:16;index"`
	Metadata    string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Batch{},
		&TransferRecord{},
		&FlagRecord{},
		&AuditEvent{},
	)
}
