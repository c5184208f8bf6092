package recon

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"pharmatrace/ledger"
	"pharmatrace/storage"
)

type fakeLedger struct {
	accounts map[string]*ledger.Account
}

func (f *fakeLedger) AccountExists(ctx context.Context, address string) (bool, error) {
	account, err := f.GetAccount(ctx, address)
	return account != nil, err
}

func (f *fakeLedger) GetAccount(_ context.Context, address string) (*ledger.Account, error) {
	return f.accounts[address], nil
}

func (f *fakeLedger) SubmitTransaction(context.Context, *ledger.Transaction) (ledger.TxRef, error) {
	return "", nil
}

func (f *fakeLedger) ConfirmationState(context.Context, ledger.TxRef) (ledger.ConfirmationState, error) {
	return ledger.StateFinalized, nil
}

func (f *fakeLedger) Balance(context.Context, string) (*uint256.Int, error) {
	return uint256.NewInt(0), nil
}

func TestSweepDetectsDivergence(t *testing.T) {
	store := openTestStore(t)
	recorder, err := NewRecorder(store)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	for _, id := range []string{"CLEAN", "MOVED", "GONE"} {
		if err := recorder.RecordRegistration(context.Background(), registrationFact(id)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	chain := &fakeLedger{accounts: map[string]*ledger.Account{
		"pbat1CLEAN": {
			Address: "pbat1CLEAN", BatchID: "CLEAN",
			Owner: "pharm1alice", Status: string(storage.StatusValid),
		},
		"pbat1MOVED": {
			Address: "pbat1MOVED", BatchID: "MOVED",
			Owner: "pharm1bob", Status: string(storage.StatusValid),
		},
		// GONE has no ledger account at all.
	}}

	var alerted []Anomaly
	sweeper, err := NewSweeper(SweepConfig{
		Store:     store,
		Ledger:    chain,
		OutputDir: t.TempDir(),
		Now:       func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
		Alert: func(_ context.Context, anomaly Anomaly) error {
			alerted = append(alerted, anomaly)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	result, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(result.Rows))
	}

	byType := make(map[string]int)
	for _, anomaly := range result.Anomalies {
		byType[anomaly.Type]++
	}
	if byType[AnomalyMissingAccount] != 1 {
		t.Fatalf("expected one missing_account anomaly, got %d", byType[AnomalyMissingAccount])
	}
	if byType[AnomalyOwnerMismatch] != 1 {
		t.Fatalf("expected one owner_mismatch anomaly, got %d", byType[AnomalyOwnerMismatch])
	}
	if len(alerted) != len(result.Anomalies) {
		t.Fatalf("alert hook saw %d of %d anomalies", len(alerted), len(result.Anomalies))
	}

	if result.CSVPath == "" || result.Parquet == "" {
		t.Fatalf("expected report artefacts, got %q / %q", result.CSVPath, result.Parquet)
	}
	file, err := os.Open(result.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 { // header + 3 rows
		t.Fatalf("expected 4 csv records, got %d", len(records))
	}
	if _, err := os.Stat(result.Parquet); err != nil {
		t.Fatalf("parquet artefact missing: %v", err)
	}
}

func TestSchedulerNextRun(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	now := time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)
	next := sched.nextRun(now)
	if next != time.Date(2024, 6, 1, 2, 30, 0, 0, time.UTC) {
		t.Fatalf("unexpected next run %s", next)
	}
	past := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	next = sched.nextRun(past)
	if next != time.Date(2024, 6, 2, 2, 30, 0, 0, time.UTC) {
		t.Fatalf("expected next-day run, got %s", next)
	}
}
