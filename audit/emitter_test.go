package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type sinkRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
	sigs     []string
	failures int
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		s.payloads = append(s.payloads, body)
		s.sigs = append(s.sigs, r.Header.Get("X-Audit-Signature"))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEmitterDeliversSignedEvents(t *testing.T) {
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	emitter := NewEmitter(srv.URL, "topsecret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emitter.Run(ctx)

	emitter.Emit(Event{
		Kind:    KindBatchRegistered,
		BatchID: "BATCH123",
		Actor:   "pharm1alice",
		TxRef:   "tx-1",
	})

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	payload := sink.payloads[0]
	sig := sink.sigs[0]
	sink.mu.Unlock()

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if event.Kind != KindBatchRegistered || event.Severity != SeverityMedium {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("timestamp not populated")
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(payload)
	if sig != hex.EncodeToString(mac.Sum(nil)) {
		t.Fatalf("signature mismatch")
	}
}

func TestEmitterRetriesFailedDelivery(t *testing.T) {
	sink := &sinkRecorder{failures: 2}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	// Each clock read jumps a minute so every retry deadline is already due.
	var clockMu sync.Mutex
	base := time.Now()
	step := 0
	emitter := NewEmitter(srv.URL, "",
		WithEmitterClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			step++
			return base.Add(time.Duration(step) * time.Minute)
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emitter.Run(ctx)

	emitter.Emit(Event{Kind: KindOwnershipTransferred, BatchID: "BATCH123", Actor: "pharm1alice"})

	waitFor(t, 5*time.Second, func() bool { return sink.count() == 1 })
}

func TestRetryBackoffDoesNotDelayFreshEvents(t *testing.T) {
	var mu sync.Mutex
	var delivered []Kind
	failFlagged := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if event.Kind == KindBatchFlagged && failFlagged {
			failFlagged = false
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		delivered = append(delivered, event.Kind)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	emitter := NewEmitter(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emitter.Run(ctx)

	// First event fails once and is requeued with a backoff deadline.
	emitter.Emit(Event{Kind: KindBatchFlagged, BatchID: "BATCH123", Actor: "pharm1insp"})
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !failFlagged
	})

	// A fresh event queued behind the waiting retry must deliver first.
	emitter.Emit(Event{Kind: KindVerificationSuccess, BatchID: "BATCH124", Actor: "pharm1rx"})
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= 1
	})
	mu.Lock()
	first := delivered[0]
	mu.Unlock()
	if first != KindVerificationSuccess {
		t.Fatalf("fresh event stuck behind retry backoff: first delivery was %s", first)
	}

	// The retried event still lands once its backoff elapses.
	waitFor(t, 4*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	})
}

func TestEmitNeverBlocks(t *testing.T) {
	// No worker running and a tiny queue: Emit must still return immediately.
	emitter := NewEmitter("http://localhost:0", "", WithQueueCap(2))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			emitter.Emit(Event{Kind: KindVerificationSuccess, Actor: "pharm1alice"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked the caller")
	}
	if pending := emitter.Pending(); pending > 2 {
		t.Fatalf("queue exceeded its cap: %d", pending)
	}
}

func TestSeverityMapping(t *testing.T) {
	cases := map[Kind]Severity{
		KindBatchRegistered:      SeverityMedium,
		KindOwnershipTransferred: SeverityHigh,
		KindBatchFlagged:         SeverityCritical,
		KindVerificationFailure:  SeverityHigh,
		KindVerificationSuccess:  SeverityLow,
	}
	for kind, want := range cases {
		if got := SeverityFor(kind); got != want {
			t.Fatalf("severity for %s: got %s, want %s", kind, got, want)
		}
	}
}
