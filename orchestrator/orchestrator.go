package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pharmatrace/audit"
	"pharmatrace/ledger"
	"pharmatrace/observability"
	"pharmatrace/recon"
)

// State enumerates the phases of one orchestrated operation.
type State string

const (
	StateBuilding             State = "BUILDING"
	StatePreflightChecking    State = "PREFLIGHT_CHECKING"
	StateSubmitting           State = "SUBMITTING"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateConfirmed            State = "CONFIRMED"
	StateFailed               State = "FAILED"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 90 * time.Second
)

// Orchestrator drives one business operation from intent to a terminal
// confirmed-or-failed outcome. All collaborators are injected; there is no
// ambient client state, which keeps each run independently testable and lets
// concurrent runs for different batches proceed with no shared mutable state.
type Orchestrator struct {
	client   ledger.Client
	signer   ledger.Signer
	recorder *recon.Recorder
	emitter  *audit.Emitter
	metrics  *observability.OrchestratorMetrics
	logger   *slog.Logger
	tracer   trace.Tracer

	maxAttempts    int
	retryBaseDelay time.Duration
	pollInterval   time.Duration
	confirmTimeout time.Duration
	minBalance     *uint256.Int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithMaxAttempts bounds submission attempts for transient failures.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay sets the base unit of the linear backoff (attempt × base).
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retryBaseDelay = d
		}
	}
}

// WithPollInterval configures the confirmation polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithConfirmTimeout bounds how long a submitted transaction is polled.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithMinBalance sets the pre-flight funding threshold.
func WithMinBalance(min *uint256.Int) Option {
	return func(o *Orchestrator) {
		if min != nil {
			o.minBalance = min.Clone()
		}
	}
}

// WithAuditEmitter attaches the fire-and-forget audit emitter.
func WithAuditEmitter(emitter *audit.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = emitter }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.OrchestratorMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithSleeper replaces the delay function. Tests inject a recorder here.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New constructs an orchestrator over the supplied collaborators.
func New(client ledger.Client, signer ledger.Signer, recorder *recon.Recorder, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("orchestrator: ledger client required")
	}
	if signer == nil {
		return nil, errors.New("orchestrator: signer required")
	}
	if recorder == nil {
		return nil, errors.New("orchestrator: recorder required")
	}
	orch := &Orchestrator{
		client:         client,
		signer:         signer,
		recorder:       recorder,
		metrics:        observability.Orchestrator(),
		logger:         slog.Default(),
		tracer:         otel.Tracer("pharmatrace/orchestrator"),
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
		minBalance:     uint256.NewInt(0),
		now:            time.Now,
	}
	orch.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(orch)
	}
	return orch, nil
}

// operation is the internal description one public entry point hands to run.
type operation struct {
	name        string
	batchID     string
	instruction ledger.Instruction
	preflight   bool
	// onChainAddress is populated for register during Building; transfer and
	// flag resolve it from the batch id as well.
	onChainAddress string
	auditKind      audit.Kind
	record         func(ctx context.Context, ref ledger.TxRef) error
	receipt        func(ref ledger.TxRef) *Receipt
}

// run executes the state machine and emits the audit event strictly after the
// terminal outcome is known. The emitter's own completion is never awaited.
func (o *Orchestrator) run(ctx context.Context, op *operation) (*Receipt, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+op.name,
		trace.WithAttributes(attribute.String("batch.id", op.batchID)))
	defer span.End()

	start := o.now()
	receipt, err := o.execute(ctx, op)
	elapsed := o.now().Sub(start)

	outcome := outcomeLabel(err)
	var reconErr *recon.ReconciliationError
	if errors.As(err, &reconErr) {
		outcome = "reconciliation_failed"
		o.metrics.RecordReconciliationFailure(op.name)
	}
	o.metrics.RecordOperation(op.name, outcome)
	o.metrics.ObserveLatency(op.name, elapsed)
	if err != nil {
		span.RecordError(err)
	}

	o.emitOutcome(op, receipt, err, outcome)
	return receipt, err
}

func (o *Orchestrator) execute(ctx context.Context, op *operation) (*Receipt, error) {
	o.transition(op, StateBuilding)
	if op.preflight {
		o.transition(op, StatePreflightChecking)
		if err := o.preflight(ctx, op); err != nil {
			o.transition(op, StateFailed)
			return nil, err
		}
	}

	o.transition(op, StateSubmitting)
	txRef, err := o.submitWithRetry(ctx, op)
	if err != nil {
		o.transition(op, StateFailed)
		return nil, err
	}

	o.transition(op, StateAwaitingConfirmation)
	if err := o.awaitConfirmation(ctx, txRef); err != nil {
		o.transition(op, StateFailed)
		return nil, err
	}
	o.transition(op, StateConfirmed)

	receipt := op.receipt(txRef)
	// On-chain success is final from here on. A failed off-chain mirror write
	// surfaces as a ReconciliationError alongside the receipt; it must never
	// trigger a second submission against the already-mutated ledger.
	if err := op.record(ctx, txRef); err != nil {
		return receipt, err
	}
	return receipt, nil
}

func (o *Orchestrator) transition(op *operation, state State) {
	o.logger.Debug("state transition", "operation", op.name, "batch_id", op.batchID, "state", string(state))
}

// preflight performs the register-only existence and funding checks. Both are
// optimisations: if the adapter itself errors, submission proceeds and the
// ledger's own rejection stays authoritative.
func (o *Orchestrator) preflight(ctx context.Context, op *operation) error {
	exists, err := o.client.AccountExists(ctx, op.onChainAddress)
	if err != nil {
		o.logger.Warn("pre-flight existence check inconclusive, proceeding to submit",
			"batch_id", op.batchID, "error", err)
	} else if exists {
		return &DuplicateBatchError{BatchID: op.batchID, OnChainAddress: op.onChainAddress}
	}

	if o.minBalance.IsZero() {
		return nil
	}
	funding := o.signer.Address().String()
	balance, err := o.client.Balance(ctx, funding)
	if err != nil {
		o.logger.Warn("pre-flight balance check inconclusive, proceeding to submit",
			"batch_id", op.batchID, "error", err)
		return nil
	}
	if balance.Lt(o.minBalance) {
		return &InsufficientFundsError{FundingWallet: funding, Balance: balance, Required: o.minBalance.Clone()}
	}
	return nil
}

// submitWithRetry drives Submitting and its retry branch. Every attempt builds
// and signs a fresh transaction: a stale, possibly already-broadcast envelope
// must not be resubmitted as-is.
func (o *Orchestrator) submitWithRetry(ctx context.Context, op *operation) (ledger.TxRef, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		tx := &ledger.Transaction{
			Instruction: op.instruction,
			Nonce:       uint64(o.now().UnixNano()),
		}
		if err := o.signer.SignTransaction(ctx, tx); err != nil {
			if errors.Is(err, ledger.ErrSignatureDeclined) {
				return "", fmt.Errorf("%w: %s", ErrUserCancelled, op.name)
			}
			return "", fmt.Errorf("orchestrator: sign %s: %w", op.name, err)
		}

		ref, err := o.client.SubmitTransaction(ctx, tx)
		if err == nil {
			return ref, nil
		}

		var netErr *ledger.NetworkError
		if !errors.As(err, &netErr) {
			return "", o.classifyRejection(op, err)
		}
		lastErr = err
		if attempt == o.maxAttempts {
			break
		}
		o.metrics.RecordRetry(op.name)
		delay := time.Duration(attempt) * o.retryBaseDelay
		o.logger.Warn("transient submission failure, retrying",
			"operation", op.name, "batch_id", op.batchID, "attempt", attempt, "delay", delay)
		if err := o.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// classifyRejection maps ledger-level refusals onto the caller-facing error
// taxonomy. Rejections are terminal; none are retried.
func (o *Orchestrator) classifyRejection(op *operation, err error) error {
	var rejected *ledger.RejectedError
	if !errors.As(err, &rejected) {
		return err
	}
	switch rejected.Reason {
	case ledger.ReasonDuplicate:
		if op.preflight {
			// The ledger is authoritative even when pre-flight missed it.
			return &DuplicateBatchError{BatchID: op.batchID, OnChainAddress: op.onChainAddress}
		}
	case ledger.ReasonInsufficientFunds:
		return &InsufficientFundsError{FundingWallet: o.signer.Address().String()}
	}
	return err
}

// awaitConfirmation polls the transaction state with a bounded interval and an
// overall timeout. A transaction the network accepted but the program rejected
// reports as a RejectedError with the execution_failed reason, distinct from
// any transport failure.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, ref ledger.TxRef) error {
	start := o.now()
	for {
		state, err := o.client.ConfirmationState(ctx, ref)
		switch {
		case err == nil && state.Settled():
			return nil
		case err == nil && state == ledger.StateFailed:
			return &ledger.RejectedError{
				Reason:  ledger.ReasonExecutionFailed,
				Message: fmt.Sprintf("transaction %s accepted by the network but failed program execution", ref),
			}
		case err != nil && !errors.Is(err, ledger.ErrTxNotFound):
			var netErr *ledger.NetworkError
			if !errors.As(err, &netErr) {
				return err
			}
			// Transient poll failure: keep polling until the timeout.
		}

		elapsed := o.now().Sub(start)
		if elapsed >= o.confirmTimeout {
			return &ConfirmationTimeoutError{TxRef: ref, Elapsed: elapsed}
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return err
		}
	}
}

// emitOutcome hands the terminal result to the audit emitter. The signer
// declining is a user decision, not a system event worth auditing as failure.
func (o *Orchestrator) emitOutcome(op *operation, receipt *Receipt, err error, outcome string) {
	if o.emitter == nil {
		return
	}
	event := audit.Event{
		BatchID: op.batchID,
		Actor:   o.signer.Address().String(),
	}
	var reconErr *recon.ReconciliationError
	switch {
	case err == nil, errors.As(err, &reconErr):
		event.Kind = op.auditKind
		event.TxRef = receipt.TxRef.String()
		event.Metadata = map[string]string{"onChainAddress": receipt.OnChainAddress}
		if reconErr != nil {
			event.Metadata["reconciliation"] = "failed"
		}
	case errors.Is(err, ErrUserCancelled):
		return
	default:
		event.Kind = audit.KindOperationFailed
		event.Metadata = map[string]string{
			"operation": op.name,
			"outcome":   outcome,
			"error":     err.Error(),
		}
	}
	o.emitter.Emit(event)
}
