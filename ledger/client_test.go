package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func TestAccountExists(t *testing.T) {
	srv := newTestServer(t, func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj) {
		if method != "pharm_getAccount" {
			t.Fatalf("unexpected method %q", method)
		}
		var args []map[string]string
		if err := json.Unmarshal(params, &args); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if args[0]["address"] == "pbat1occupied" {
			return map[string]string{"address": args[0]["address"], "batchId": "BATCH123"}, nil
		}
		return nil, &jsonRPCErrorObj{Code: codeNotFound, Message: "account not found"}
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	exists, err := client.AccountExists(context.Background(), "pbat1occupied")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatalf("expected occupied address to exist")
	}
	exists, err = client.AccountExists(context.Background(), "pbat1vacant")
	if err != nil {
		t.Fatalf("vacant lookup should not error: %v", err)
	}
	if exists {
		t.Fatalf("expected vacant address to be free")
	}
}

func TestAccountExistsNetworkError(t *testing.T) {
	srv := newTestServer(t, func(string, json.RawMessage) (interface{}, *jsonRPCErrorObj) {
		return nil, nil
	})
	srv.Close() // connection refused from here on

	client := NewRPCClient(srv.URL, "")
	_, err := client.AccountExists(context.Background(), "pbat1anything")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestSubmitTransactionClassifiesRejections(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		msg    string
		reason RejectReason
	}{
		{"duplicate_code", codeDuplicateAccount, "account already exists", ReasonDuplicate},
		{"ownership_code", codeOwnershipViolated, "sender is not the current owner", ReasonOwnership},
		{"program_missing", codeProgramNotFound, "program not found", ReasonProgramNotFound},
		{"legacy_duplicate", -32000, "batch account already exists at address", ReasonDuplicate},
		{"legacy_malformed", -32000, "malformed instruction payload", ReasonMalformed},
		{"opaque", -32000, "something odd", ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, func(method string, _ json.RawMessage) (interface{}, *jsonRPCErrorObj) {
				return nil, &jsonRPCErrorObj{Code: tc.code, Message: tc.msg}
			})
			defer srv.Close()

			client := NewRPCClient(srv.URL, "")
			tx := &Transaction{
				Instruction: Instruction{Method: "pharm_registerBatch", Params: map[string]string{"batchId": "BATCH123"}},
				Signature:   []byte{0x01},
			}
			_, err := client.SubmitTransaction(context.Background(), tx)
			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected RejectedError, got %v", err)
			}
			if rejected.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, rejected.Reason)
			}
		})
	}
}

func TestSubmitTransactionClassifiesNonOKRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   &jsonRPCErrorObj{Code: codeDuplicateAccount, Message: "account already exists"},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	tx := &Transaction{
		Instruction: Instruction{Method: "pharm_registerBatch", Params: map[string]string{"batchId": "BATCH123"}},
		Signature:   []byte{0x01},
	}
	_, err := client.SubmitTransaction(context.Background(), tx)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError from HTTP 400 rejection, got %v", err)
	}
	if rejected.Reason != ReasonDuplicate {
		t.Fatalf("expected reason %q, got %q", ReasonDuplicate, rejected.Reason)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		t.Fatalf("rejection must not classify as retryable: %v", err)
	}
}

func TestSubmitTransactionNonOKOpaqueBodyIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		if _, err := w.Write([]byte("<html>upstream unavailable</html>")); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	tx := &Transaction{
		Instruction: Instruction{Method: "pharm_registerBatch", Params: map[string]string{"batchId": "BATCH123"}},
		Signature:   []byte{0x01},
	}
	_, err := client.SubmitTransaction(context.Background(), tx)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestSubmitTransactionRequiresSignature(t *testing.T) {
	client := NewRPCClient("http://localhost:0", "")
	tx := &Transaction{Instruction: Instruction{Method: "pharm_registerBatch"}}
	if _, err := client.SubmitTransaction(context.Background(), tx); err == nil {
		t.Fatalf("expected unsigned transaction to be refused locally")
	}
}

func TestConfirmationState(t *testing.T) {
	states := map[string]string{
		"ref-unconfirmed": "UNCONFIRMED",
		"ref-confirmed":   "CONFIRMED",
		"ref-finalized":   "FINALIZED",
		"ref-failed":      "FAILED",
	}
	srv := newTestServer(t, func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj) {
		var args []map[string]string
		if err := json.Unmarshal(params, &args); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		status, ok := states[args[0]["txRef"]]
		if !ok {
			return nil, &jsonRPCErrorObj{Code: codeNotFound, Message: "transaction not found"}
		}
		return map[string]string{"status": status}, nil
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	for ref, want := range states {
		state, err := client.ConfirmationState(context.Background(), TxRef(ref))
		if err != nil {
			t.Fatalf("state %s: %v", ref, err)
		}
		if string(state) != want {
			t.Fatalf("expected %s, got %s", want, state)
		}
	}
	if _, err := client.ConfirmationState(context.Background(), "ref-unknown"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestBalance(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (interface{}, *jsonRPCErrorObj) {
		if method != "pharm_getBalance" {
			t.Fatalf("unexpected method %q", method)
		}
		return map[string]string{"balance": "1000000"}, nil
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	balance, err := client.Balance(context.Background(), "pharm1funder")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Uint64() != 1_000_000 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestSigningHashStable(t *testing.T) {
	build := func() *Transaction {
		return &Transaction{
			Instruction: Instruction{
				Method: "pharm_registerBatch",
				Params: map[string]string{"batchId": "BATCH123", "productName": "Medicine A"},
			},
			Nonce: 7,
		}
	}
	first := build().SigningHash()
	for i := 0; i < 5; i++ {
		if got := build().SigningHash(); got != first {
			t.Fatalf("signing hash not stable on attempt %d", i)
		}
	}
	altered := build()
	altered.Instruction.Params["batchId"] = "BATCH124"
	if altered.SigningHash() == first {
		t.Fatalf("signing hash ignored parameter change")
	}
}
