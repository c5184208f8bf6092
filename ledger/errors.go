package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSignatureDeclined is returned by a Signer when the keyholder explicitly
// refuses to sign a transaction. It is terminal and never retried.
var ErrSignatureDeclined = errors.New("ledger: signature declined by signer")

// ErrTxNotFound is returned when a transaction reference is unknown to the node.
var ErrTxNotFound = errors.New("ledger: transaction not found")

// NetworkError wraps transient transport and connectivity failures. It is the
// only error class the orchestrator retries.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger: network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectReason enumerates why the ledger refused a transaction. Classification
// happens once, here at the adapter boundary; callers branch on the tag and
// never re-parse message text.
type RejectReason string

const (
	ReasonDuplicate         RejectReason = "duplicate"
	ReasonMalformed         RejectReason = "malformed"
	ReasonProgramNotFound   RejectReason = "program_not_found"
	ReasonOwnership         RejectReason = "ownership"
	ReasonInsufficientFunds RejectReason = "insufficient_funds"
	ReasonExecutionFailed   RejectReason = "execution_failed"
	ReasonUnknown           RejectReason = "unknown"
)

// RejectedError reports a programmatic refusal by the ledger. Terminal; never
// retried.
type RejectedError struct {
	Reason  RejectReason
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger: transaction rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("ledger: transaction rejected (%s): %s", e.Reason, e.Message)
}

// JSON-RPC error codes reported by the pharma ledger program.
const (
	codeDuplicateAccount  = -32050
	codeMalformedTx       = -32051
	codeProgramNotFound   = -32052
	codeOwnershipViolated = -32053
	codeInsufficientFunds = -32054
	codeExecutionFailed   = -32055
	codeNotFound          = -32004
)

// classifyRejection maps a JSON-RPC error object onto a tagged RejectedError.
// Code mapping is authoritative; message keywords cover older node versions
// that predate the dedicated codes.
func classifyRejection(code int, message string) *RejectedError {
	reason := ReasonUnknown
	switch code {
	case codeDuplicateAccount:
		reason = ReasonDuplicate
	case codeMalformedTx:
		reason = ReasonMalformed
	case codeProgramNotFound:
		reason = ReasonProgramNotFound
	case codeOwnershipViolated:
		reason = ReasonOwnership
	case codeInsufficientFunds:
		reason = ReasonInsufficientFunds
	case codeExecutionFailed:
		reason = ReasonExecutionFailed
	default:
		lowered := strings.ToLower(message)
		switch {
		case strings.Contains(lowered, "already exists"), strings.Contains(lowered, "duplicate"):
			reason = ReasonDuplicate
		case strings.Contains(lowered, "program not found"), strings.Contains(lowered, "unknown method"):
			reason = ReasonProgramNotFound
		case strings.Contains(lowered, "not the current owner"), strings.Contains(lowered, "unauthorized owner"):
			reason = ReasonOwnership
		case strings.Contains(lowered, "insufficient funds"), strings.Contains(lowered, "insufficient balance"):
			reason = ReasonInsufficientFunds
		case strings.Contains(lowered, "malformed"), strings.Contains(lowered, "invalid instruction"):
			reason = ReasonMalformed
		}
	}
	return &RejectedError{Reason: reason, Code: code, Message: message}
}
