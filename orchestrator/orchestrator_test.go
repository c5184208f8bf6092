package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pharmatrace/crypto"
	"pharmatrace/ledger"
	"pharmatrace/recon"
	"pharmatrace/storage"
)

type submitStep struct {
	ref ledger.TxRef
	err error
}

type stateStep struct {
	state ledger.ConfirmationState
	err   error
}

// fakeLedger scripts submit and confirmation behaviour per test. Exhausted
// scripts fall back to success so happy paths need no setup.
type fakeLedger struct {
	mu        sync.Mutex
	exists    map[string]bool
	existsErr error
	balance   *uint256.Int
	submits   []*ledger.Transaction
	script    []submitStep
	states    []stateStep
}

func (f *fakeLedger) AccountExists(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.exists[address], nil
}

func (f *fakeLedger) GetAccount(context.Context, string) (*ledger.Account, error) {
	return nil, nil
}

func (f *fakeLedger) SubmitTransaction(_ context.Context, tx *ledger.Transaction) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, tx)
	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		if step.err != nil {
			return "", step.err
		}
		if step.ref != "" {
			return step.ref, nil
		}
	}
	return ledger.TxRef(fmt.Sprintf("tx-%d", len(f.submits))), nil
}

func (f *fakeLedger) ConfirmationState(context.Context, ledger.TxRef) (ledger.ConfirmationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return ledger.StateConfirmed, nil
	}
	step := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return step.state, step.err
}

func (f *fakeLedger) Balance(context.Context, string) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return uint256.NewInt(0), nil
	}
	return f.balance.Clone(), nil
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// decliningSigner refuses every signature request.
type decliningSigner struct {
	addr crypto.Address
}

func (s *decliningSigner) Address() crypto.Address { return s.addr }

func (s *decliningSigner) SignTransaction(context.Context, *ledger.Transaction) error {
	return ledger.ErrSignatureDeclined
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// fakeClock advances a fixed step on every reading so timeout paths terminate
// without real sleeping.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	orch   *Orchestrator
	store  *storage.Store
	client *fakeLedger
	signer ledger.Signer
	sleeps *sleepRecorder
}

func newHarness(t *testing.T, client *fakeLedger, opts ...Option) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := ledger.NewKeySigner(key)
	require.NoError(t, err)

	recorder, err := recon.NewRecorder(store, recon.WithLogger(quietLogger()))
	require.NoError(t, err)

	sleeps := &sleepRecorder{}
	base := []Option{
		WithLogger(quietLogger()),
		WithSleeper(sleeps.sleep),
		WithRetryBaseDelay(10 * time.Millisecond),
		WithPollInterval(5 * time.Millisecond),
	}
	orch, err := New(client, signer, recorder, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{orch: orch, store: store, client: client, signer: signer, sleeps: sleeps}
}

func validRegisterInput(batchID string) RegisterInput {
	return RegisterInput{
		BatchID:     batchID,
		ProductName: "Amoxicillin 500mg",
		MfgDate:     time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		ExpDate:     time.Date(2028, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegisterBatchEndToEnd(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, "register", receipt.Operation)
	require.NotEmpty(t, receipt.TxRef)

	derived, err := crypto.DeriveBatchAddress("BATCH123")
	require.NoError(t, err)
	require.Equal(t, derived.String(), receipt.OnChainAddress)
	require.Equal(t, h.signer.Address().String(), receipt.OwnerWallet)

	// The submitted instruction carries the derived address and batch fields.
	require.Equal(t, 1, client.submitCount())
	tx := client.submits[0]
	require.Equal(t, "pharm_registerBatch", tx.Instruction.Method)
	require.Equal(t, "BATCH123", tx.Instruction.Params["batchId"])
	require.Equal(t, derived.String(), tx.Instruction.Params["batchAddress"])
	require.NotEmpty(t, tx.Signature)

	batch, err := h.store.GetBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Equal(t, receipt.TxRef.String(), batch.RegistrationTxRef)
	require.Equal(t, receipt.OwnerWallet, batch.CurrentOwnerWallet)
	require.Equal(t, storage.StatusValid, batch.Status)

	qr := receipt.QRPayload()
	require.Equal(t, receipt.TxRef.String(), qr.TxSignature)
	require.Equal(t, "BATCH123", qr.BatchID)
	require.Equal(t, "Amoxicillin 500mg", qr.MedicineName)
	require.Equal(t, receipt.OwnerWallet, qr.OwnerAddress)
	require.NotZero(t, qr.Timestamp)
}

func TestRegisterBatchValidation(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	cases := []struct {
		name  string
		input RegisterInput
		field string
	}{
		{
			name:  "batch id too short",
			input: validRegisterInput("AB"),
			field: "batchId",
		},
		{
			name:  "batch id illegal characters",
			input: validRegisterInput("BATCH 123"),
			field: "batchId",
		},
		{
			name: "missing product name",
			input: RegisterInput{
				BatchID: "BATCH123",
				MfgDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
				ExpDate: time.Date(2028, 1, 10, 0, 0, 0, 0, time.UTC),
			},
			field: "productName",
		},
		{
			name: "expiry before manufacture",
			input: RegisterInput{
				BatchID:     "BATCH123",
				ProductName: "Amoxicillin 500mg",
				MfgDate:     time.Date(2028, 1, 10, 0, 0, 0, 0, time.UTC),
				ExpDate:     time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			},
			field: "expDate",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			receipt, err := h.orch.RegisterBatch(context.Background(), tc.input)
			require.Nil(t, receipt)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
	require.Zero(t, client.submitCount())
}

func TestRegisterBatchDuplicatePreflight(t *testing.T) {
	derived, err := crypto.DeriveBatchAddress("BATCH123")
	require.NoError(t, err)
	client := &fakeLedger{exists: map[string]bool{derived.String(): true}}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var dup *DuplicateBatchError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "BATCH123", dup.BatchID)
	require.Equal(t, derived.String(), dup.OnChainAddress)
	require.Zero(t, client.submitCount(), "duplicate must be caught before submission")
}

func TestRegisterBatchDuplicateFromLedger(t *testing.T) {
	// The pre-flight read misses the concurrent registration; the ledger's own
	// rejection still maps onto the duplicate error.
	client := &fakeLedger{
		script: []submitStep{{err: &ledger.RejectedError{Reason: ledger.ReasonDuplicate, Message: "account already exists"}}},
	}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var dup *DuplicateBatchError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, 1, client.submitCount(), "rejections are terminal, not retried")

	count, err := h.store.CountBatches(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRegisterBatchInsufficientFunds(t *testing.T) {
	client := &fakeLedger{balance: uint256.NewInt(5)}
	h := newHarness(t, client, WithMinBalance(uint256.NewInt(1000)))

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var funds *InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	require.Equal(t, h.signer.Address().String(), funds.FundingWallet)
	require.Equal(t, uint256.NewInt(5), funds.Balance)
	require.Equal(t, uint256.NewInt(1000), funds.Required)
	require.Zero(t, client.submitCount())
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	netErr := &ledger.NetworkError{Op: "submit", Err: fmt.Errorf("connection refused")}
	client := &fakeLedger{script: []submitStep{{err: netErr}, {err: netErr}, {ref: "tx-ok"}}}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)
	require.Equal(t, ledger.TxRef("tx-ok"), receipt.TxRef)
	require.Equal(t, 3, client.submitCount())

	// Linear backoff: attempt × base, strictly increasing. The trailing delays
	// belong to confirmation polling and are excluded.
	delays := h.sleeps.recorded()
	require.GreaterOrEqual(t, len(delays), 2)
	require.Equal(t, 10*time.Millisecond, delays[0])
	require.Equal(t, 20*time.Millisecond, delays[1])

	// Each retry was a fresh envelope, not a resubmission of the old bytes.
	require.NotEqual(t, client.submits[0].Signature, client.submits[1].Signature)
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	netErr := &ledger.NetworkError{Op: "submit", Err: fmt.Errorf("connection refused")}
	client := &fakeLedger{script: []submitStep{{err: netErr}, {err: netErr}, {err: netErr}, {err: netErr}}}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var got *ledger.NetworkError
	require.ErrorAs(t, err, &got)
	require.Equal(t, 3, client.submitCount(), "attempts are bounded")
	require.Len(t, h.sleeps.recorded(), 2, "no delay after the final attempt")
}

func TestUserCancelledNeverRetried(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	client := &fakeLedger{}
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	recorder, err := recon.NewRecorder(store, recon.WithLogger(quietLogger()))
	require.NoError(t, err)
	orch, err := New(client, &decliningSigner{addr: addr}, recorder, WithLogger(quietLogger()))
	require.NoError(t, err)

	receipt, err := orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	require.ErrorIs(t, err, ErrUserCancelled)
	require.Zero(t, client.submitCount())
}

func TestConfirmedButProgramFailed(t *testing.T) {
	client := &fakeLedger{states: []stateStep{{state: ledger.StateFailed}}}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, ledger.ReasonExecutionFailed, rejected.Reason)

	count, err := h.store.CountBatches(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Zero(t, count, "a failed transaction must not be mirrored")
}

func TestConfirmationTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0), step: time.Second}
	client := &fakeLedger{states: []stateStep{{state: ledger.StateUnconfirmed}}}
	h := newHarness(t, client,
		WithClock(clock.now),
		WithConfirmTimeout(5*time.Second),
	)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.Nil(t, receipt)
	var timeout *ConfirmationTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.NotEmpty(t, timeout.TxRef)
	require.GreaterOrEqual(t, timeout.Elapsed, 5*time.Second)
}

func TestTransientPollFailuresKeepPolling(t *testing.T) {
	client := &fakeLedger{states: []stateStep{
		{err: &ledger.NetworkError{Op: "status", Err: fmt.Errorf("timeout")}},
		{err: ledger.ErrTxNotFound},
		{state: ledger.StateFinalized},
	}}
	h := newHarness(t, client)

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)
	require.NotNil(t, receipt)
}

func TestReconciliationFailureReturnsReceipt(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	// Closing the store makes the mirror write fail with a non-duplicate error
	// after the ledger mutation already settled.
	require.NoError(t, h.store.Close())

	receipt, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NotNil(t, receipt, "on-chain success must survive the mirror failure")
	var reconErr *recon.ReconciliationError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, "BATCH123", reconErr.BatchID)
	require.Equal(t, 1, client.submitCount(), "a mirror failure must never resubmit")
}

func TestTransferOwnership(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)

	newKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	newOwner := newKey.PubKey().Address().String()

	receipt, err := h.orch.TransferOwnership(context.Background(), TransferInput{
		BatchID:        "BATCH123",
		NewOwnerWallet: newOwner,
	})
	require.NoError(t, err)
	require.Equal(t, "transfer", receipt.Operation)
	require.Equal(t, newOwner, receipt.OwnerWallet)

	batch, err := h.store.GetBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Equal(t, newOwner, batch.CurrentOwnerWallet)

	transfers, err := h.store.TransfersForBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, h.signer.Address().String(), transfers[0].FromWallet)
}

func TestTransferOwnershipViolation(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)
	originalOwner := h.signer.Address().String()

	client.mu.Lock()
	client.script = []submitStep{{err: &ledger.RejectedError{Reason: ledger.ReasonOwnership, Message: "sender is not the current owner"}}}
	client.mu.Unlock()

	newKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	receipt, err := h.orch.TransferOwnership(context.Background(), TransferInput{
		BatchID:        "BATCH123",
		NewOwnerWallet: newKey.PubKey().Address().String(),
	})
	require.Nil(t, receipt)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, ledger.ReasonOwnership, rejected.Reason)

	batch, err := h.store.GetBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Equal(t, originalOwner, batch.CurrentOwnerWallet, "custody must not move on rejection")
}

func TestTransferValidation(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.TransferOwnership(context.Background(), TransferInput{
		BatchID:        "BATCH123",
		NewOwnerWallet: "not-a-wallet",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "newOwnerWallet", verr.Field)
	require.Zero(t, client.submitCount())
}

func TestFlagBatch(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)

	receipt, err := h.orch.FlagBatch(context.Background(), FlagInput{
		BatchID: "BATCH123",
		Reason:  "tamper-evident seal broken",
	})
	require.NoError(t, err)
	require.Equal(t, "flag", receipt.Operation)

	batch, err := h.store.GetBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Equal(t, storage.StatusFlagged, batch.Status)

	flags, err := h.store.FlagsForBatch(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, "tamper-evident seal broken", flags[0].Reason)
}

func TestFlagBatchRequiresReason(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.FlagBatch(context.Background(), FlagInput{BatchID: "BATCH123"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "reason", verr.Field)
	require.Zero(t, client.submitCount())
}

func TestRepeatRegistrationLeavesSingleRow(t *testing.T) {
	client := &fakeLedger{}
	h := newHarness(t, client)

	_, err := h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	require.NoError(t, err)

	// The second run is refused by the ledger; the pre-flight read in the fake
	// still reports vacant to exercise the submission path.
	client.mu.Lock()
	client.script = []submitStep{{err: &ledger.RejectedError{Reason: ledger.ReasonDuplicate}}}
	client.mu.Unlock()

	_, err = h.orch.RegisterBatch(context.Background(), validRegisterInput("BATCH123"))
	var dup *DuplicateBatchError
	require.ErrorAs(t, err, &dup)

	count, err := h.store.CountBatches(context.Background(), "BATCH123")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
