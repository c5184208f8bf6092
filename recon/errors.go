package recon

import "fmt"

// ReconciliationError reports that an on-chain operation was confirmed but the
// off-chain mirror could not be written. The underlying business operation is
// real on the ledger; callers must surface that distinctly and must never
// retry the chain submission because of this error.
type ReconciliationError struct {
	Op      string
	BatchID string
	TxRef   string
	Err     error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("recon: %s confirmed on-chain (tx %s) but off-chain record for batch %q failed: %v", e.Op, e.TxRef, e.BatchID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
