package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const idemKeyPrefix = "idem:"

// storedResponse is the replayable outcome of an idempotent request.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
	StoredAt    int64  `json:"storedAt"`
}

// IdempotencyStore persists request outcomes keyed by the Idempotency-Key
// header so client retries replay the original response instead of mutating
// the ledger twice.
type IdempotencyStore struct {
	db  *leveldb.DB
	ttl time.Duration
	now func() time.Time
}

// NewIdempotencyStore opens (or creates) a LevelDB database at the provided
// path.
func NewIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("gateway: idempotency store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve idempotency path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: open idempotency store: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying LevelDB resources.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func idemCompositeKey(subject, method, path, key string) []byte {
	return []byte(idemKeyPrefix + subject + "|" + method + "|" + path + "|" + key)
}

// lookup returns the stored response for the composite key, if present and
// still within the TTL.
func (s *IdempotencyStore) lookup(subject, method, path, key string) (*storedResponse, error) {
	raw, err := s.db.Get(idemCompositeKey(subject, method, path, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: load idempotency record: %w", err)
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("gateway: decode idempotency record: %w", err)
	}
	if s.now().UnixNano()-stored.StoredAt > int64(s.ttl) {
		return nil, nil
	}
	return &stored, nil
}

func (s *IdempotencyStore) put(subject, method, path, key string, resp storedResponse) error {
	resp.StoredAt = s.now().UnixNano()
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.db.Put(idemCompositeKey(subject, method, path, key), raw, nil)
}

// Prune removes records older than the TTL. Called periodically by the daemon.
func (s *IdempotencyStore) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().Add(-s.ttl).UnixNano()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(idemKeyPrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var stored storedResponse
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if stored.StoredAt < cutoff {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("gateway: prune idempotency store: %w", err)
	}
	return s.db.Write(batch, nil)
}

// withIdempotency replays the stored response for a repeated mutating request
// carrying the same Idempotency-Key. Responses above 499 are not stored so a
// transient server failure stays retryable.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || s.idempotency == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := FromContext(r.Context())
		if err != nil {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}

		stored, err := s.idempotency.lookup(claims.Subject, r.Method, r.URL.Path, key)
		if err != nil {
			s.logger.Error("idempotency lookup failed", "error", err)
		}
		if stored != nil {
			if stored.ContentType != "" {
				w.Header().Set("Content-Type", stored.ContentType)
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = io.WriteString(w, stored.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		err = s.idempotency.put(claims.Subject, r.Method, r.URL.Path, key, storedResponse{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.buf.String(),
		})
		if err != nil {
			s.logger.Error("idempotency record failed", "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    strings.Builder
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
