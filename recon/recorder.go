package recon

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pharmatrace/storage"
)

// RegistrationFact carries everything needed to mirror a confirmed batch
// registration off-chain.
type RegistrationFact struct {
	BatchID            string
	ProductName        string
	MfgDate            time.Time
	ExpDate            time.Time
	MetadataHash       string
	ManufacturerWallet string
	OnChainAddress     string
	TxRef              string
}

// TransferFact mirrors a confirmed ownership transfer.
type TransferFact struct {
	BatchID    string
	FromWallet string
	ToWallet   string
	TxRef      string
}

// FlagFact mirrors a confirmed flag action.
type FlagFact struct {
	BatchID         string
	FlaggedByWallet string
	Reason          string
	TxRef           string
}

// Recorder is the sole writer bridging confirmed ledger facts into the
// off-chain store. Each Record method is invoked exactly once per confirmed
// on-chain event; a uniqueness conflict means the fact was already mirrored
// (an earlier client retry got there first) and is treated as satisfied.
type Recorder struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// RecorderOption customises the recorder.
type RecorderOption func(*Recorder)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock sets the timestamp source.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = clock }
}

// NewRecorder constructs a recorder against the provided store.
func NewRecorder(store *storage.Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("recon: store required")
	}
	recorder := &Recorder{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder, nil
}

// RecordRegistration mirrors a confirmed registration. Re-inserting the same
// batch is a benign no-op; any other store failure becomes a
// ReconciliationError.
func (r *Recorder) RecordRegistration(ctx context.Context, fact RegistrationFact) error {
	batch := &storage.Batch{
		BatchID:            strings.TrimSpace(fact.BatchID),
		ProductName:        fact.ProductName,
		MfgDate:            fact.MfgDate,
		ExpDate:            fact.ExpDate,
		MetadataHash:       fact.MetadataHash,
		ManufacturerWallet: fact.ManufacturerWallet,
		CurrentOwnerWallet: fact.ManufacturerWallet,
		Status:             storage.StatusValid,
		OnChainAddress:     fact.OnChainAddress,
		RegistrationTxRef:  fact.TxRef,
	}
	err := r.store.CreateBatch(ctx, batch)
	if err == nil {
		return nil
	}
	if storage.IsDuplicate(err) {
		r.logger.Info("registration already mirrored", "batch_id", fact.BatchID, "tx_ref", fact.TxRef)
		return nil
	}
	return &ReconciliationError{Op: "registration", BatchID: fact.BatchID, TxRef: fact.TxRef, Err: err}
}

// RecordTransfer mirrors a confirmed ownership transfer.
func (r *Recorder) RecordTransfer(ctx context.Context, fact TransferFact) error {
	record := &storage.TransferRecord{
		BatchID:    strings.TrimSpace(fact.BatchID),
		FromWallet: fact.FromWallet,
		ToWallet:   fact.ToWallet,
		TxRef:      fact.TxRef,
		CreatedAt:  r.now().UTC(),
	}
	err := r.store.AppendTransfer(ctx, record)
	if err == nil {
		return nil
	}
	if storage.IsDuplicate(err) {
		r.logger.Info("transfer already mirrored", "batch_id", fact.BatchID, "tx_ref", fact.TxRef)
		return nil
	}
	return &ReconciliationError{Op: "transfer", BatchID: fact.BatchID, TxRef: fact.TxRef, Err: err}
}

// RecordFlag mirrors a confirmed flag action.
func (r *Recorder) RecordFlag(ctx context.Context, fact FlagFact) error {
	record := &storage.FlagRecord{
		BatchID:         strings.TrimSpace(fact.BatchID),
		FlaggedByWallet: fact.FlaggedByWallet,
		Reason:          fact.Reason,
		TxRef:           fact.TxRef,
		CreatedAt:       r.now().UTC(),
	}
	err := r.store.AppendFlag(ctx, record)
	if err == nil {
		return nil
	}
	if storage.IsDuplicate(err) {
		r.logger.Info("flag already mirrored", "batch_id", fact.BatchID, "tx_ref", fact.TxRef)
		return nil
	}
	return &ReconciliationError{Op: "flag", BatchID: fact.BatchID, TxRef: fact.TxRef, Err: err}
}
