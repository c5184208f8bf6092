package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"pharmatrace/ledger"
)

// ErrUserCancelled reports that the signer explicitly declined the operation.
// Terminal, never retried, and not a system failure.
var ErrUserCancelled = errors.New("orchestrator: operation cancelled by signer")

// ValidationError reports malformed input caught during Building. The caller
// fixes the input; nothing was submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orchestrator: invalid %s: %s", e.Field, e.Reason)
}

// DuplicateBatchError reports that the batch identifier is already registered,
// whether caught at pre-flight or by the ledger's own rejection.
type DuplicateBatchError struct {
	BatchID        string
	OnChainAddress string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("orchestrator: batch %q already registered at %s", e.BatchID, e.OnChainAddress)
}

// InsufficientFundsError reports that the funding account cannot cover network
// fees. Balance and Required are nil when the ledger itself rejected the
// transaction rather than the pre-flight check.
type InsufficientFundsError struct {
	FundingWallet string
	Balance       *uint256.Int
	Required      *uint256.Int
}

func (e *InsufficientFundsError) Error() string {
	if e.Balance != nil && e.Required != nil {
		return fmt.Sprintf("orchestrator: funding account %s balance %s below required %s", e.FundingWallet, e.Balance, e.Required)
	}
	return fmt.Sprintf("orchestrator: funding account %s has insufficient funds", e.FundingWallet)
}

// ConfirmationTimeoutError reports that a submitted transaction did not reach
// a terminal confirmation state within the configured window. The transaction
// may still settle later; the reference is included so callers can keep
// polling out of band.
type ConfirmationTimeoutError struct {
	TxRef   ledger.TxRef
	Elapsed time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: transaction %s unconfirmed after %s", e.TxRef, e.Elapsed)
}

// outcomeLabel classifies a terminal error for metrics and audit metadata.
func outcomeLabel(err error) string {
	if err == nil {
		return "confirmed"
	}
	var (
		validation *ValidationError
		duplicate  *DuplicateBatchError
		funds      *InsufficientFundsError
		timeout    *ConfirmationTimeoutError
		netErr     *ledger.NetworkError
		rejected   *ledger.RejectedError
	)
	switch {
	case errors.Is(err, ErrUserCancelled):
		return "user_cancelled"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &duplicate):
		return "duplicate"
	case errors.As(err, &funds):
		return "insufficient_funds"
	case errors.As(err, &timeout):
		return "confirmation_timeout"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &rejected):
		return "rejected_" + string(rejected.Reason)
	}
	return "error"
}
