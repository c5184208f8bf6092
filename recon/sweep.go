package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"pharmatrace/ledger"
	"pharmatrace/storage"
)

// Anomaly types emitted by the sweep.
const (
	AnomalyMissingAccount = "missing_account"
	AnomalyOwnerMismatch  = "owner_mismatch"
	AnomalyStatusMismatch = "status_mismatch"
	AnomalyLookupFailed   = "lookup_failed"
)

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly captures a divergence between the ledger and the off-chain store
// requiring operator review. The sweep only reports; it never mutates either
// side and never resubmits ledger operations.
type Anomaly struct {
	Type           string
	BatchID        string
	OnChainAddress string
	Details        string
}

// SweepConfig captures the dependencies required to construct a Sweeper.
type SweepConfig struct {
	Store     *storage.Store
	Ledger    ledger.Client
	OutputDir string
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// Sweeper walks every mirrored batch, compares it against its ledger account,
// and materialises a divergence report. It is the extension point covering
// reconciliation failures that left the store stale.
type Sweeper struct {
	store     *storage.Store
	ledger    ledger.Client
	outputDir string
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// ReportRow summarises one batch's ledger-vs-store comparison.
type ReportRow struct {
	BatchID           string
	OnChainAddress    string
	ProductName       string
	StoreOwner        string
	ChainOwner        string
	StoreStatus       string
	ChainStatus       string
	RegistrationTxRef string
	MissingAccount    bool
	OwnerMismatch     bool
	StatusMismatch    bool
	CreatedAt         time.Time
}

// Result summarises a sweep run.
type Result struct {
	Start     time.Time
	Rows      []*ReportRow
	Anomalies []Anomaly
	CSVPath   string
	Parquet   string
}

// NewSweeper builds a configured sweeper.
func NewSweeper(cfg SweepConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger client is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("pharmatrace-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run executes one sweep over every mirrored batch.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	start := s.now().UTC()
	batches, err := s.store.AllBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load batches: %w", err)
	}

	rows := make([]*ReportRow, 0, len(batches))
	var anomalies []Anomaly
	for i := range batches {
		batch := &batches[i]
		row := &ReportRow{
			BatchID:           batch.BatchID,
			OnChainAddress:    batch.OnChainAddress,
			ProductName:       batch.ProductName,
			StoreOwner:        batch.CurrentOwnerWallet,
			StoreStatus:       string(batch.EffectiveStatus(start)),
			RegistrationTxRef: batch.RegistrationTxRef,
			CreatedAt:         batch.CreatedAt,
		}
		account, err := s.ledger.GetAccount(ctx, batch.OnChainAddress)
		switch {
		case err != nil:
			anomalies = append(anomalies, s.raise(ctx, Anomaly{
				Type:           AnomalyLookupFailed,
				BatchID:        batch.BatchID,
				OnChainAddress: batch.OnChainAddress,
				Details:        err.Error(),
			}))
		case account == nil:
			row.MissingAccount = true
			anomalies = append(anomalies, s.raise(ctx, Anomaly{
				Type:           AnomalyMissingAccount,
				BatchID:        batch.BatchID,
				OnChainAddress: batch.OnChainAddress,
				Details:        "mirrored batch has no ledger account",
			}))
		default:
			row.ChainOwner = account.Owner
			row.ChainStatus = account.Status
			if account.Owner != batch.CurrentOwnerWallet {
				row.OwnerMismatch = true
				anomalies = append(anomalies, s.raise(ctx, Anomaly{
					Type:           AnomalyOwnerMismatch,
					BatchID:        batch.BatchID,
					OnChainAddress: batch.OnChainAddress,
					Details:        fmt.Sprintf("store owner %s, ledger owner %s", batch.CurrentOwnerWallet, account.Owner),
				}))
			}
			if !statusesAgree(batch.Status, account.Status) {
				row.StatusMismatch = true
				anomalies = append(anomalies, s.raise(ctx, Anomaly{
					Type:           AnomalyStatusMismatch,
					BatchID:        batch.BatchID,
					OnChainAddress: batch.OnChainAddress,
					Details:        fmt.Sprintf("store status %s, ledger status %s", batch.Status, account.Status),
				}))
			}
		}
		rows = append(rows, row)
	}

	result := &Result{Start: start, Rows: rows, Anomalies: anomalies}
	if len(rows) > 0 {
		runDir := filepath.Join(s.outputDir, start.Format("2006-01-02T15-04-05Z"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: create report dir: %w", err)
		}
		result.CSVPath = filepath.Join(runDir, "batches.csv")
		if err := writeCSV(result.CSVPath, rows); err != nil {
			return nil, err
		}
		result.Parquet = filepath.Join(runDir, "batches.parquet")
		if err := writeParquet(result.Parquet, rows); err != nil {
			return nil, err
		}
		s.logger.Info("sweep report written", "csv", result.CSVPath, "parquet", result.Parquet, "rows", len(rows), "anomalies", len(anomalies))
	}
	return result, nil
}

// statusesAgree tolerates the derived EXPIRED state: the ledger may still say
// VALID for a batch whose expiry the store derives locally.
func statusesAgree(store storage.BatchStatus, chain string) bool {
	if string(store) == chain {
		return true
	}
	return store == storage.StatusValid && chain == string(storage.StatusExpired)
}

func (s *Sweeper) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := s.alert(ctx, anomaly); err != nil {
		s.logger.Warn("sweep alert delivery failed", "error", err)
	}
	return anomaly
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"batch_id", "on_chain_address", "product_name", "store_owner", "chain_owner",
		"store_status", "chain_status", "registration_tx_ref",
		"missing_account", "owner_mismatch", "status_mismatch", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.BatchID,
			row.OnChainAddress,
			row.ProductName,
			row.StoreOwner,
			row.ChainOwner,
			row.StoreStatus,
			row.ChainStatus,
			row.RegistrationTxRef,
			boolString(row.MissingAccount),
			boolString(row.OwnerMismatch),
			boolString(row.StatusMismatch),
			row.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	BatchID           string `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChainAddress    string `parquet:"name=on_chain_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductName       string `parquet:"name=product_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	StoreOwner        string `parquet:"name=store_owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainOwner        string `parquet:"name=chain_owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	StoreStatus       string `parquet:"name=store_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainStatus       string `parquet:"name=chain_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	RegistrationTxRef string `parquet:"name=registration_tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	MissingAccount    bool   `parquet:"name=missing_account, type=BOOLEAN"`
	OwnerMismatch     bool   `parquet:"name=owner_mismatch, type=BOOLEAN"`
	StatusMismatch    bool   `parquet:"name=status_mismatch, type=BOOLEAN"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			BatchID:           row.BatchID,
			OnChainAddress:    row.OnChainAddress,
			ProductName:       row.ProductName,
			StoreOwner:        row.StoreOwner,
			ChainOwner:        row.ChainOwner,
			StoreStatus:       row.StoreStatus,
			ChainStatus:       row.ChainStatus,
			RegistrationTxRef: row.RegistrationTxRef,
			MissingAccount:    row.MissingAccount,
			OwnerMismatch:     row.OwnerMismatch,
			StatusMismatch:    row.StatusMismatch,
			CreatedAt:         row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
