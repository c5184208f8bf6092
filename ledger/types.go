package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"

	"pharmatrace/crypto"
)

const txSigningDomain = "pharmatrace_tx_v1"

// TxRef uniquely references a submitted transaction on the ledger.
type TxRef string

func (r TxRef) String() string { return string(r) }

// ConfirmationState reports how far a submitted transaction has progressed.
type ConfirmationState string

const (
	StateUnconfirmed ConfirmationState = "UNCONFIRMED"
	StateConfirmed   ConfirmationState = "CONFIRMED"
	StateFinalized   ConfirmationState = "FINALIZED"
	StateFailed      ConfirmationState = "FAILED"
)

// Settled reports whether the state counts as durably accepted.
func (s ConfirmationState) Settled() bool {
	return s == StateConfirmed || s == StateFinalized
}

// Terminal reports whether polling can stop.
func (s ConfirmationState) Terminal() bool {
	return s.Settled() || s == StateFailed
}

// ParseConfirmationState normalises the node's wire representation.
func ParseConfirmationState(value string) (ConfirmationState, error) {
	switch ConfirmationState(value) {
	case StateUnconfirmed, StateConfirmed, StateFinalized, StateFailed:
		return ConfirmationState(value), nil
	}
	return "", fmt.Errorf("ledger: unknown confirmation state %q", value)
}

// Instruction is the program payload of a single state-changing operation.
type Instruction struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// Transaction is a signed operation envelope ready for submission.
type Transaction struct {
	Instruction Instruction    `json:"instruction"`
	Sender      crypto.Address `json:"-"`
	Nonce       uint64         `json:"nonce"`
	Signature   []byte         `json:"-"`
}

// SigningHash computes the digest a Signer commits to. Params are hashed in
// key order so the digest is independent of map iteration.
func (tx *Transaction) SigningHash() [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(txSigningDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(tx.Instruction.Method))
	h.Write([]byte{0x00})
	keys := make([]string, 0, len(tx.Instruction.Params))
	for k := range tx.Instruction.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x00})
		h.Write([]byte(tx.Instruction.Params[k]))
		h.Write([]byte{0x00})
	}
	h.Write([]byte(tx.Sender.String()))
	var nonceBuf [8]byte
	for i := 0; i < 8; i++ {
		nonceBuf[i] = byte(tx.Nonce >> (8 * (7 - i)))
	}
	h.Write(nonceBuf[:])
	var digest [32]byte
	h.Sum(digest[:0])
	return digest
}

// MarshalWire encodes the transaction in the submission format expected by the
// node RPC.
func (tx *Transaction) MarshalWire() (json.RawMessage, error) {
	if len(tx.Signature) == 0 {
		return nil, fmt.Errorf("ledger: transaction not signed")
	}
	envelope := struct {
		Instruction Instruction `json:"instruction"`
		Sender      string      `json:"sender"`
		Nonce       uint64      `json:"nonce"`
		Signature   string      `json:"signature"`
	}{
		Instruction: tx.Instruction,
		Sender:      tx.Sender.String(),
		Nonce:       tx.Nonce,
		Signature:   hex.EncodeToString(tx.Signature),
	}
	return json.Marshal(envelope)
}

// Account mirrors the on-chain batch account state returned by the node.
type Account struct {
	Address           string    `json:"address"`
	BatchID           string    `json:"batchId"`
	ProductName       string    `json:"productName"`
	MfgDate           string    `json:"mfgDate"`
	ExpDate           string    `json:"expDate"`
	MetadataHash      string    `json:"metadataHash,omitempty"`
	Manufacturer      string    `json:"manufacturer"`
	Owner             string    `json:"owner"`
	Status            string    `json:"status"`
	RegistrationTxRef string    `json:"registrationTxRef"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
