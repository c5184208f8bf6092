package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"pharmatrace/audit"
	"pharmatrace/ledger"
	"pharmatrace/observability"
	"pharmatrace/orchestrator"
	"pharmatrace/recon"
	"pharmatrace/storage"
)

// Orchestrator abstracts the transaction orchestration entry points used by
// the HTTP handlers.
type Orchestrator interface {
	RegisterBatch(ctx context.Context, input orchestrator.RegisterInput) (*orchestrator.Receipt, error)
	TransferOwnership(ctx context.Context, input orchestrator.TransferInput) (*orchestrator.Receipt, error)
	FlagBatch(ctx context.Context, input orchestrator.FlagInput) (*orchestrator.Receipt, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Orchestrator Orchestrator
	Store        *storage.Store
	Ledger       ledger.Client
	Emitter      *audit.Emitter
	Idempotency  *IdempotencyStore
	JWTSecret    string
	RatePerSec   float64
	Burst        int
	Logger       *slog.Logger
	Metrics      *observability.GatewayMetrics
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	orch        Orchestrator
	store       *storage.Store
	ledger      ledger.Client
	emitter     *audit.Emitter
	idempotency *IdempotencyStore
	jwtSecret   []byte
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *observability.GatewayMetrics
	now         func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication, rate limiting,
// and idempotency support.
func New(cfg Config) *Server {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Gateway()
	}
	srv := &Server{
		orch:        cfg.Orchestrator,
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		emitter:     cfg.Emitter,
		idempotency: cfg.Idempotency,
		jwtSecret:   []byte(cfg.JWTSecret),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.throttle)
		api.Use(s.authenticate)
		api.Use(s.withIdempotency)

		api.With(requireRole(RoleManufacturer)).Post("/batches", s.RegisterBatch)
		api.With(requireRole(RoleManufacturer, RoleDistributor, RolePharmacy)).Post("/batches/{batchID}/transfer", s.TransferOwnership)
		api.With(requireRole(RoleManufacturer, RoleDistributor, RolePharmacy, RoleRegulator)).Post("/batches/{batchID}/flag", s.FlagBatch)

		api.Get("/batches", s.ListBatches)
		api.Get("/batches/{batchID}", s.GetBatch)
		api.Get("/batches/{batchID}/verify", s.VerifyBatch)
	})

	return r
}

// throttle applies the global request budget before any handler work.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records per-route request metrics using the chi route pattern so
// path parameters do not explode the label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.Observe(route, r.Method, ww.Status(), s.now().Sub(start))
	})
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	BatchID      string `json:"batchId"`
	ProductName  string `json:"productName"`
	MfgDate      string `json:"mfgDate"`
	ExpDate      string `json:"expDate"`
	MetadataHash string `json:"metadataHash,omitempty"`
}

type receiptResponse struct {
	Operation      string                  `json:"operation"`
	BatchID        string                  `json:"batchId"`
	OnChainAddress string                  `json:"onChainAddress"`
	OwnerWallet    string                  `json:"ownerWallet"`
	TxRef          string                  `json:"txRef"`
	Timestamp      time.Time               `json:"timestamp"`
	Warning        string                  `json:"warning,omitempty"`
	QR             *orchestrator.QRPayload `json:"qr,omitempty"`
}

func receiptPayload(receipt *orchestrator.Receipt, reconFailed bool, includeQR bool) receiptResponse {
	resp := receiptResponse{
		Operation:      receipt.Operation,
		BatchID:        receipt.BatchID,
		OnChainAddress: receipt.OnChainAddress,
		OwnerWallet:    receipt.OwnerWallet,
		TxRef:          receipt.TxRef.String(),
		Timestamp:      receipt.Timestamp,
	}
	if reconFailed {
		resp.Warning = "confirmed on chain but the off-chain index is stale; reconciliation pending"
	}
	if includeQR {
		qr := receipt.QRPayload()
		resp.QR = &qr
	}
	return resp
}

// RegisterBatch handles batch creation.
func (s *Server) RegisterBatch(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	mfgDate, err := time.Parse("2006-01-02", strings.TrimSpace(req.MfgDate))
	if err != nil {
		http.Error(w, "mfgDate must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	expDate, err := time.Parse("2006-01-02", strings.TrimSpace(req.ExpDate))
	if err != nil {
		http.Error(w, "expDate must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	receipt, opErr := s.orch.RegisterBatch(r.Context(), orchestrator.RegisterInput{
		BatchID:      req.BatchID,
		ProductName:  req.ProductName,
		MfgDate:      mfgDate,
		ExpDate:      expDate,
		MetadataHash: req.MetadataHash,
	})
	s.respondOperation(w, receipt, opErr, http.StatusCreated, true)
}

type transferRequest struct {
	NewOwnerWallet string `json:"newOwnerWallet"`
}

// TransferOwnership moves custody of a batch.
func (s *Server) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	receipt, opErr := s.orch.TransferOwnership(r.Context(), orchestrator.TransferInput{
		BatchID:        chi.URLParam(r, "batchID"),
		NewOwnerWallet: req.NewOwnerWallet,
	})
	s.respondOperation(w, receipt, opErr, http.StatusOK, false)
}

type flagRequest struct {
	Reason string `json:"reason"`
}

// FlagBatch marks a batch as suspect.
func (s *Server) FlagBatch(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	receipt, opErr := s.orch.FlagBatch(r.Context(), orchestrator.FlagInput{
		BatchID: chi.URLParam(r, "batchID"),
		Reason:  req.Reason,
	})
	s.respondOperation(w, receipt, opErr, http.StatusOK, false)
}

// respondOperation maps the orchestration error taxonomy onto HTTP statuses. A
// reconciliation failure still returns the receipt; the ledger mutation is
// final even while the off-chain index lags.
func (s *Server) respondOperation(w http.ResponseWriter, receipt *orchestrator.Receipt, opErr error, successStatus int, includeQR bool) {
	if opErr == nil {
		s.writeJSON(w, successStatus, receiptPayload(receipt, false, includeQR))
		return
	}
	var reconErr *recon.ReconciliationError
	if errors.As(opErr, &reconErr) && receipt != nil {
		s.logger.Error("operation confirmed but off-chain mirror failed",
			"batch_id", receipt.BatchID, "tx_ref", receipt.TxRef, "error", opErr)
		s.writeJSON(w, successStatus, receiptPayload(receipt, true, includeQR))
		return
	}

	var (
		validation *orchestrator.ValidationError
		duplicate  *orchestrator.DuplicateBatchError
		funds      *orchestrator.InsufficientFundsError
		timeout    *orchestrator.ConfirmationTimeoutError
		netErr     *ledger.NetworkError
		rejected   *ledger.RejectedError
	)
	switch {
	case errors.As(opErr, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.As(opErr, &duplicate):
		http.Error(w, duplicate.Error(), http.StatusConflict)
	case errors.As(opErr, &funds):
		http.Error(w, funds.Error(), http.StatusUnprocessableEntity)
	case errors.Is(opErr, orchestrator.ErrUserCancelled):
		http.Error(w, opErr.Error(), http.StatusConflict)
	case errors.As(opErr, &timeout):
		http.Error(w, timeout.Error(), http.StatusGatewayTimeout)
	case errors.As(opErr, &rejected):
		status := http.StatusUnprocessableEntity
		if rejected.Reason == ledger.ReasonOwnership {
			status = http.StatusForbidden
		}
		http.Error(w, rejected.Error(), status)
	case errors.As(opErr, &netErr):
		http.Error(w, "ledger node unreachable", http.StatusBadGateway)
	default:
		s.logger.Error("operation failed", "error", opErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type batchResponse struct {
	BatchID            string                   `json:"batchId"`
	ProductName        string                   `json:"productName"`
	MfgDate            string                   `json:"mfgDate"`
	ExpDate            string                   `json:"expDate"`
	MetadataHash       string                   `json:"metadataHash,omitempty"`
	ManufacturerWallet string                   `json:"manufacturerWallet"`
	CurrentOwnerWallet string                   `json:"currentOwnerWallet"`
	Status             string                   `json:"status"`
	OnChainAddress     string                   `json:"onChainAddress"`
	RegistrationTxRef  string                   `json:"registrationTxRef"`
	Transfers          []storage.TransferRecord `json:"transfers,omitempty"`
	Flags              []storage.FlagRecord     `json:"flags,omitempty"`
}

func (s *Server) batchPayload(batch *storage.Batch, transfers []storage.TransferRecord, flags []storage.FlagRecord) batchResponse {
	return batchResponse{
		BatchID:            batch.BatchID,
		ProductName:        batch.ProductName,
		MfgDate:            batch.MfgDate.Format("2006-01-02"),
		ExpDate:            batch.ExpDate.Format("2006-01-02"),
		MetadataHash:       batch.MetadataHash,
		ManufacturerWallet: batch.ManufacturerWallet,
		CurrentOwnerWallet: batch.CurrentOwnerWallet,
		Status:             string(batch.EffectiveStatus(s.now())),
		OnChainAddress:     batch.OnChainAddress,
		RegistrationTxRef:  batch.RegistrationTxRef,
		Transfers:          transfers,
		Flags:              flags,
	}
}

// GetBatch returns one batch with its custody and flag history.
func (s *Server) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("load batch", "batch_id", batchID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	transfers, err := s.store.TransfersForBatch(r.Context(), batchID)
	if err != nil {
		s.logger.Error("load transfers", "batch_id", batchID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	flags, err := s.store.FlagsForBatch(r.Context(), batchID)
	if err != nil {
		s.logger.Error("load flags", "batch_id", batchID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.batchPayload(batch, transfers, flags))
}

// ListBatches returns batches filtered by owner and/or status.
func (s *Server) ListBatches(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	status := storage.BatchStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	batches, err := s.store.ListBatches(r.Context(), owner, status, limit)
	if err != nil {
		s.logger.Error("list batches", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	payload := make([]batchResponse, 0, len(batches))
	for i := range batches {
		payload = append(payload, s.batchPayload(&batches[i], nil, nil))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"batches": payload})
}

type verifyResponse struct {
	BatchID        string   `json:"batchId"`
	Verified       bool     `json:"verified"`
	Status         string   `json:"status,omitempty"`
	ProductName    string   `json:"productName,omitempty"`
	CurrentOwner   string   `json:"currentOwner,omitempty"`
	OnChainAddress string   `json:"onChainAddress,omitempty"`
	TxRef          string   `json:"txRef,omitempty"`
	Problems       []string `json:"problems,omitempty"`
}

// VerifyBatch answers the point-of-dispense authenticity check. The off-chain
// record and the on-chain account are cross-checked; any disagreement fails
// the verification.
func (s *Server) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	claims, _ := FromContext(r.Context())

	batch, err := s.store.GetBatch(r.Context(), batchID)
	if errors.Is(err, storage.ErrNotFound) {
		s.emitVerification(batchID, claims.Subject, false, "unknown batch")
		s.writeJSON(w, http.StatusNotFound, verifyResponse{
			BatchID:  batchID,
			Verified: false,
			Problems: []string{"batch is not registered"},
		})
		return
	}
	if err != nil {
		s.logger.Error("verify lookup", "batch_id", batchID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	problems := make([]string, 0, 2)
	status := batch.EffectiveStatus(s.now())
	switch status {
	case storage.StatusFlagged:
		problems = append(problems, "batch has been flagged as suspect")
	case storage.StatusExpired:
		problems = append(problems, "batch is past its expiry date")
	}

	if s.ledger != nil {
		account, err := s.ledger.GetAccount(r.Context(), batch.OnChainAddress)
		switch {
		case err != nil:
			s.logger.Warn("verify on-chain check unavailable", "batch_id", batchID, "error", err)
		case account == nil:
			problems = append(problems, "on-chain record missing")
		case account.Owner != batch.CurrentOwnerWallet:
			problems = append(problems, "on-chain owner disagrees with the off-chain record")
		}
	}

	verified := len(problems) == 0
	reason := strings.Join(problems, "; ")
	s.emitVerification(batchID, claims.Subject, verified, reason)
	s.writeJSON(w, http.StatusOK, verifyResponse{
		BatchID:        batch.BatchID,
		Verified:       verified,
		Status:         string(status),
		ProductName:    batch.ProductName,
		CurrentOwner:   batch.CurrentOwnerWallet,
		OnChainAddress: batch.OnChainAddress,
		TxRef:          batch.RegistrationTxRef,
		Problems:       problems,
	})
}

func (s *Server) emitVerification(batchID, actor string, verified bool, reason string) {
	if s.emitter == nil {
		return
	}
	kind := audit.KindVerificationSuccess
	metadata := map[string]string{}
	if !verified {
		kind = audit.KindVerificationFailure
		metadata["reason"] = reason
	}
	s.emitter.Emit(audit.Event{
		Kind:     kind,
		BatchID:  batchID,
		Actor:    actor,
		Metadata: metadata,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
