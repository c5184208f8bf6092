package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pharmatrace/observability"
	"pharmatrace/storage"
)

const (
	defaultQueueCap    = 1024
	maxDeliveryAttempt = 5
)

type task struct {
	event     Event
	attempt   int
	notBefore time.Time
}

// queue stores audit tasks prior to delivery. Bounded; Emit never blocks on a
// full queue, it drops and logs instead. A push wakes the worker through the
// notify channel so it never polls.
type queue struct {
	mu    sync.Mutex
	tasks []task
	cap   int
	wake  chan struct{}
	now   func() time.Time
}

func newQueue(capacity int) *queue {
	return &queue{cap: capacity, wake: make(chan struct{}, 1), now: time.Now}
}

func (q *queue) push(t task) bool {
	q.mu.Lock()
	if q.cap > 0 && len(q.tasks) >= q.cap {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop returns the next due task, skipping over retry tasks whose backoff has
// not elapsed so they never hold up fresh events behind them. Blocks until a
// task becomes due; returns false when the context is cancelled.
func (q *queue) pop(ctx context.Context) (task, bool) {
	for {
		q.mu.Lock()
		now := q.now()
		due := -1
		var soonest time.Time
		for i, t := range q.tasks {
			if t.notBefore.IsZero() || !t.notBefore.After(now) {
				due = i
				break
			}
			if soonest.IsZero() || t.notBefore.Before(soonest) {
				soonest = t.notBefore
			}
		}
		if due >= 0 {
			t := q.tasks[due]
			q.tasks = append(q.tasks[:due], q.tasks[due+1:]...)
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !soonest.IsZero() {
			timer = time.NewTimer(soonest.Sub(now))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return task{}, false
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Emitter records a structured event for every completed or failed operation.
// Emission is fire-and-forget: Emit never blocks the primary operation and no
// delivery failure ever propagates to the caller.
type Emitter struct {
	webhookURL string
	secret     string
	store      *storage.Store
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	queue      *queue
	metrics    *observability.OrchestratorMetrics
	now        func() time.Time
}

// EmitterOption customises the emitter.
type EmitterOption func(*Emitter)

// WithStore enables best-effort persistence of every event to the audit table.
func WithStore(store *storage.Store) EmitterOption {
	return func(e *Emitter) { e.store = store }
}

// WithHTTPClient replaces the delivery HTTP client.
func WithHTTPClient(client *http.Client) EmitterOption {
	return func(e *Emitter) { e.client = client }
}

// WithRateLimit bounds webhook deliveries per second.
func WithRateLimit(perSecond float64, burst int) EmitterOption {
	return func(e *Emitter) {
		if perSecond > 0 && burst > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithQueueCap bounds the pending queue.
func WithQueueCap(capacity int) EmitterOption {
	return func(e *Emitter) {
		if capacity > 0 {
			e.queue.cap = capacity
		}
	}
}

// WithEmitterLogger replaces the default logger.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// WithEmitterClock sets the timestamp source for events and retry deadlines.
func WithEmitterClock(clock func() time.Time) EmitterOption {
	return func(e *Emitter) {
		e.now = clock
		e.queue.now = clock
	}
}

// NewEmitter constructs an emitter delivering to the given webhook URL. An
// empty URL disables webhook delivery; events still reach the store when one
// is configured.
func NewEmitter(webhookURL, secret string, opts ...EmitterOption) *Emitter {
	emitter := &Emitter{
		webhookURL: webhookURL,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		logger:     slog.Default(),
		queue:      newQueue(defaultQueueCap),
		metrics:    observability.Orchestrator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(emitter)
	}
	return emitter
}

// Emit enqueues an event for asynchronous delivery. It fills in the ID,
// severity, and timestamp, and returns immediately.
func (e *Emitter) Emit(event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Kind)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	if !e.queue.push(task{event: event}) {
		e.metrics.RecordAuditDrop()
		e.logger.Warn("audit queue saturated, event dropped", "kind", event.Kind, "batch_id", event.BatchID)
	}
}

// Run processes queued events until the context is cancelled. Intended to be
// started once as a background goroutine.
func (e *Emitter) Run(ctx context.Context) {
	for {
		t, ok := e.queue.pop(ctx)
		if !ok {
			return
		}
		e.handle(ctx, t)
	}
}

// Pending reports the queued event count. Primarily for tests.
func (e *Emitter) Pending() int { return e.queue.len() }

func (e *Emitter) handle(ctx context.Context, t task) {
	if t.attempt == 0 {
		e.persist(ctx, t.event)
	}
	if e.webhookURL == "" {
		return
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	if err := e.deliver(ctx, t.event); err != nil {
		e.retryLater(t, err)
	}
}

func (e *Emitter) persist(ctx context.Context, event Event) {
	if e.store == nil {
		return
	}
	metadata := ""
	if len(event.Metadata) > 0 {
		if encoded, err := json.Marshal(event.Metadata); err == nil {
			metadata = string(encoded)
		}
	}
	row := &storage.AuditEvent{
		ID:          event.ID,
		Kind:        string(event.Kind),
		ActorWallet: event.Actor,
		TxRef:       event.TxRef,
		Severity:    string(event.Severity),
		Metadata:    metadata,
		CreatedAt:   event.Timestamp,
	}
	if event.BatchID != "" {
		batchID := event.BatchID
		row.BatchID = &batchID
	}
	if err := e.store.InsertAuditEvent(ctx, row); err != nil {
		e.logger.Warn("audit event persistence failed", "kind", event.Kind, "error", err)
	}
}

func (e *Emitter) deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.secret != "" {
		req.Header.Set("X-Audit-Signature", signPayload(e.secret, payload))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.Status}
	}
	return nil
}

func (e *Emitter) retryLater(t task, cause error) {
	attempt := t.attempt + 1
	if attempt >= maxDeliveryAttempt {
		e.logger.Warn("audit delivery abandoned", "kind", t.event.Kind, "attempts", attempt, "error", cause)
		return
	}
	t.attempt = attempt
	t.notBefore = e.now().Add(backoffDuration(attempt))
	if !e.queue.push(t) {
		e.metrics.RecordAuditDrop()
		e.logger.Warn("audit queue saturated during retry, event dropped", "kind", t.event.Kind)
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

type deliveryError struct {
	status string
}

func (e *deliveryError) Error() string { return "audit: sink responded " + e.status }

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
