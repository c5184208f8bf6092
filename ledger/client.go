package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
)

// Client is the minimal typed surface the orchestrator needs from the ledger
// network. SubmitTransaction is the only mutating call; everything else is an
// idempotent read that may be polled repeatedly.
type Client interface {
	AccountExists(ctx context.Context, address string) (bool, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
	SubmitTransaction(ctx context.Context, tx *Transaction) (TxRef, error)
	ConfirmationState(ctx context.Context, ref TxRef) (ConfirmationState, error)
	Balance(ctx context.Context, address string) (*uint256.Int, error)
}

// RPCClient implements Client against the ledger node's JSON-RPC server.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// RPCClientOption customises the client.
type RPCClientOption func(*RPCClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) RPCClientOption {
	return func(c *RPCClient) { c.http = hc }
}

// WithRequestTimeout adjusts the per-call timeout of the default HTTP client.
func WithRequestTimeout(d time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewRPCClient constructs a JSON-RPC ledger client.
func NewRPCClient(baseURL, authToken string, opts ...RPCClientOption) *RPCClient {
	client := &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// AccountExists reports whether the address is occupied. An unoccupied address
// is not an error; only transport failures are.
func (c *RPCClient) AccountExists(ctx context.Context, address string) (bool, error) {
	account, err := c.GetAccount(ctx, address)
	if err != nil {
		return false, err
	}
	return account != nil, nil
}

// GetAccount fetches the raw batch account, or nil when the address is
// unoccupied.
func (c *RPCClient) GetAccount(ctx context.Context, address string) (*Account, error) {
	var result Account
	params := []interface{}{map[string]string{"address": address}}
	err := c.call(ctx, "pharm_getAccount", params, &result)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Code == codeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// SubmitTransaction broadcasts a signed transaction and returns its reference.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *Transaction) (TxRef, error) {
	if tx == nil {
		return "", fmt.Errorf("ledger: nil transaction")
	}
	wire, err := tx.MarshalWire()
	if err != nil {
		return "", err
	}
	var result struct {
		TxRef string `json:"txRef"`
	}
	if err := c.call(ctx, "pharm_submitTx", []interface{}{wire}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.TxRef) == "" {
		return "", &NetworkError{Op: "pharm_submitTx", Err: errors.New("empty transaction reference")}
	}
	return TxRef(result.TxRef), nil
}

// ConfirmationState polls the status of a submitted transaction. Safe to call
// repeatedly; the node treats it as a pure read.
func (c *RPCClient) ConfirmationState(ctx context.Context, ref TxRef) (ConfirmationState, error) {
	var result struct {
		Status string `json:"status"`
	}
	params := []interface{}{map[string]string{"txRef": string(ref)}}
	if err := c.call(ctx, "pharm_getTransactionStatus", params, &result); err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Code == codeNotFound {
			return "", ErrTxNotFound
		}
		return "", err
	}
	return ParseConfirmationState(result.Status)
}

// Balance returns the spendable balance of the provided funding account.
func (c *RPCClient) Balance(ctx context.Context, address string) (*uint256.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	params := []interface{}{map[string]string{"address": address}}
	if err := c.call(ctx, "pharm_getBalance", params, &result); err != nil {
		return nil, err
	}
	balance, err := uint256.FromDecimal(strings.TrimSpace(result.Balance))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse balance %q: %w", result.Balance, err)
	}
	return balance, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		// Nodes deliver JSON-RPC rejections with non-200 statuses too; a
		// decodable error object is still a terminal rejection, not a
		// transport failure.
		var rpcResp jsonRPCResponse
		if json.Unmarshal(body, &rpcResp) == nil && rpcResp.Error != nil {
			return classifyRejection(rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return &NetworkError{Op: method, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	if rpcResp.Error != nil {
		return classifyRejection(rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return classifyRejection(codeNotFound, "not found")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
