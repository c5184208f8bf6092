package orchestrator

import (
	"context"
	"strings"
	"time"

	"pharmatrace/audit"
	"pharmatrace/crypto"
	"pharmatrace/ledger"
	"pharmatrace/recon"
)

// RegisterInput describes a batch registration intent.
type RegisterInput struct {
	BatchID      string
	ProductName  string
	MfgDate      time.Time
	ExpDate      time.Time
	MetadataHash string
}

// TransferInput describes an ownership transfer intent.
type TransferInput struct {
	BatchID        string
	NewOwnerWallet string
}

// FlagInput describes a flag intent.
type FlagInput struct {
	BatchID string
	Reason  string
}

// Receipt is the successful terminal outcome of one orchestrated operation.
type Receipt struct {
	Operation      string
	BatchID        string
	ProductName    string
	OnChainAddress string
	OwnerWallet    string
	TxRef          ledger.TxRef
	Timestamp      time.Time
}

// QRPayload is the verification payload encoded into batch QR codes. Image
// encoding happens elsewhere; the orchestrator only guarantees the fields.
type QRPayload struct {
	TxSignature  string `json:"txSignature"`
	BatchID      string `json:"batchId"`
	MedicineName string `json:"medicineName"`
	OwnerAddress string `json:"ownerAddress"`
	Timestamp    int64  `json:"timestamp"`
}

// QRPayload derives the QR contents from a registration receipt.
func (r *Receipt) QRPayload() QRPayload {
	return QRPayload{
		TxSignature:  r.TxRef.String(),
		BatchID:      r.BatchID,
		MedicineName: r.ProductName,
		OwnerAddress: r.OwnerWallet,
		Timestamp:    r.Timestamp.Unix(),
	}
}

const dateLayout = "2006-01-02"

// RegisterBatch registers a new batch on the ledger and mirrors it off-chain.
func (o *Orchestrator) RegisterBatch(ctx context.Context, input RegisterInput) (*Receipt, error) {
	batchID := strings.TrimSpace(input.BatchID)
	if err := crypto.ValidateBatchID(batchID); err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	productName := strings.TrimSpace(input.ProductName)
	if productName == "" {
		return nil, &ValidationError{Field: "productName", Reason: "required"}
	}
	if input.MfgDate.IsZero() || input.ExpDate.IsZero() {
		return nil, &ValidationError{Field: "mfgDate/expDate", Reason: "required"}
	}
	if !input.ExpDate.After(input.MfgDate) {
		return nil, &ValidationError{Field: "expDate", Reason: "must be after mfgDate"}
	}

	address, err := crypto.DeriveBatchAddress(batchID)
	if err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	onChainAddress := address.String()
	manufacturer := o.signer.Address().String()

	params := map[string]string{
		"batchId":      batchID,
		"batchAddress": onChainAddress,
		"productName":  productName,
		"mfgDate":      input.MfgDate.UTC().Format(dateLayout),
		"expDate":      input.ExpDate.UTC().Format(dateLayout),
	}
	if hash := strings.TrimSpace(input.MetadataHash); hash != "" {
		params["metadataHash"] = hash
	}

	op := &operation{
		name:           "register",
		batchID:        batchID,
		preflight:      true,
		onChainAddress: onChainAddress,
		auditKind:      audit.KindBatchRegistered,
		instruction: ledger.Instruction{
			Method: "pharm_registerBatch",
			Params: params,
		},
		record: func(ctx context.Context, ref ledger.TxRef) error {
			return o.recorder.RecordRegistration(ctx, recon.RegistrationFact{
				BatchID:            batchID,
				ProductName:        productName,
				MfgDate:            input.MfgDate.UTC(),
				ExpDate:            input.ExpDate.UTC(),
				MetadataHash:       strings.TrimSpace(input.MetadataHash),
				ManufacturerWallet: manufacturer,
				OnChainAddress:     onChainAddress,
				TxRef:              ref.String(),
			})
		},
		receipt: func(ref ledger.TxRef) *Receipt {
			return &Receipt{
				Operation:      "register",
				BatchID:        batchID,
				ProductName:    productName,
				OnChainAddress: onChainAddress,
				OwnerWallet:    manufacturer,
				TxRef:          ref,
				Timestamp:      o.now().UTC(),
			}
		},
	}
	return o.run(ctx, op)
}

// TransferOwnership moves custody of a batch to a new owner wallet. The ledger
// enforces that the signer currently owns the batch; a violation surfaces as a
// RejectedError with the ownership reason.
func (o *Orchestrator) TransferOwnership(ctx context.Context, input TransferInput) (*Receipt, error) {
	batchID := strings.TrimSpace(input.BatchID)
	if err := crypto.ValidateBatchID(batchID); err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	newOwner := strings.TrimSpace(input.NewOwnerWallet)
	if _, err := crypto.DecodeAccountAddress(newOwner); err != nil {
		return nil, &ValidationError{Field: "newOwnerWallet", Reason: err.Error()}
	}

	address, err := crypto.DeriveBatchAddress(batchID)
	if err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	onChainAddress := address.String()
	from := o.signer.Address().String()

	op := &operation{
		name:           "transfer",
		batchID:        batchID,
		onChainAddress: onChainAddress,
		auditKind:      audit.KindOwnershipTransferred,
		instruction: ledger.Instruction{
			Method: "pharm_transferOwnership",
			Params: map[string]string{
				"batchAddress": onChainAddress,
				"newOwner":     newOwner,
			},
		},
		record: func(ctx context.Context, ref ledger.TxRef) error {
			return o.recorder.RecordTransfer(ctx, recon.TransferFact{
				BatchID:    batchID,
				FromWallet: from,
				ToWallet:   newOwner,
				TxRef:      ref.String(),
			})
		},
		receipt: func(ref ledger.TxRef) *Receipt {
			return &Receipt{
				Operation:      "transfer",
				BatchID:        batchID,
				OnChainAddress: onChainAddress,
				OwnerWallet:    newOwner,
				TxRef:          ref,
				Timestamp:      o.now().UTC(),
			}
		},
	}
	return o.run(ctx, op)
}

// FlagBatch marks a batch as suspect. Flagging is one-way; no unflag operation
// exists.
func (o *Orchestrator) FlagBatch(ctx context.Context, input FlagInput) (*Receipt, error) {
	batchID := strings.TrimSpace(input.BatchID)
	if err := crypto.ValidateBatchID(batchID); err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "required"}
	}

	address, err := crypto.DeriveBatchAddress(batchID)
	if err != nil {
		return nil, &ValidationError{Field: "batchId", Reason: err.Error()}
	}
	onChainAddress := address.String()
	flagger := o.signer.Address().String()

	op := &operation{
		name:           "flag",
		batchID:        batchID,
		onChainAddress: onChainAddress,
		auditKind:      audit.KindBatchFlagged,
		instruction: ledger.Instruction{
			Method: "pharm_flagBatch",
			Params: map[string]string{
				"batchAddress": onChainAddress,
				"reason":       reason,
			},
		},
		record: func(ctx context.Context, ref ledger.TxRef) error {
			return o.recorder.RecordFlag(ctx, recon.FlagFact{
				BatchID:         batchID,
				FlaggedByWallet: flagger,
				Reason:          reason,
				TxRef:           ref.String(),
			})
		},
		receipt: func(ref ledger.TxRef) *Receipt {
			return &Receipt{
				Operation:      "flag",
				BatchID:        batchID,
				OnChainAddress: onChainAddress,
				OwnerWallet:    flagger,
				TxRef:          ref,
				Timestamp:      o.now().UTC(),
			}
		},
	}
	return o.run(ctx, op)
}
