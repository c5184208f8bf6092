package crypto

import (
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

const batchAddressDomain = "pharmatrace_batch_v1"

const (
	// MinBatchIDLength is the shortest accepted batch identifier.
	MinBatchIDLength = 3
	// MaxBatchIDLength is the longest accepted batch identifier.
	MaxBatchIDLength = 64
)

// ErrInvalidBatchID is returned when a batch identifier violates the
// length or charset constraints of the derivation scheme.
var ErrInvalidBatchID = errors.New("crypto: invalid batch identifier")

// ValidateBatchID checks the identifier against the derivation constraints:
// 3..64 characters drawn from [A-Za-z0-9._-].
func ValidateBatchID(batchID string) error {
	if len(batchID) < MinBatchIDLength || len(batchID) > MaxBatchIDLength {
		return fmt.Errorf("%w: length %d outside [%d,%d]", ErrInvalidBatchID, len(batchID), MinBatchIDLength, MaxBatchIDLength)
	}
	for i := 0; i < len(batchID); i++ {
		c := batchID[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: character %q at offset %d", ErrInvalidBatchID, c, i)
		}
	}
	return nil
}

// DeriveBatchAddress deterministically maps a batch identifier to its ledger
// account address. The derivation is a pure function of a fixed domain tag and
// the identifier bytes, so no lookup table or network round-trip is needed.
// Identical identifiers always resolve to the identical address.
func DeriveBatchAddress(batchID string) (Address, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return Address{}, err
	}
	h := blake3.New(32, nil)
	h.Write([]byte(batchAddressDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(batchID))
	digest := h.Sum(nil)
	return NewAddress(BatchPrefix, digest[:20]), nil
}
