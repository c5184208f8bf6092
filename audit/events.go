package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the closed set of audit event kinds.
type Kind string

const (
	KindBatchRegistered      Kind = "batch_registered"
	KindOwnershipTransferred Kind = "ownership_transferred"
	KindBatchFlagged         Kind = "batch_flagged"
	KindVerificationSuccess  Kind = "verification_success"
	KindVerificationFailure  Kind = "verification_failure"
	KindOperationFailed      Kind = "operation_failed"
)

// Severity levels attached to emitted events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps an event kind onto its fixed severity.
func SeverityFor(kind Kind) Severity {
	switch kind {
	case KindBatchRegistered:
		return SeverityMedium
	case KindOwnershipTransferred:
		return SeverityHigh
	case KindBatchFlagged:
		return SeverityCritical
	case KindVerificationFailure:
		return SeverityHigh
	case KindVerificationSuccess:
		return SeverityLow
	case KindOperationFailed:
		return SeverityHigh
	}
	return SeverityMedium
}

// Event is the structured envelope delivered to the audit sink.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Kind      Kind              `json:"kind"`
	BatchID   string            `json:"batchId,omitempty"`
	Actor     string            `json:"actor"`
	TxRef     string            `json:"txRef,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
}
