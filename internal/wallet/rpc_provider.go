package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync/atomic"
	"time"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CodeUserRejected is the EIP-1193 code for a request the user declined.
const CodeUserRejected = 4001

// RPCProvider talks JSON-RPC 2.0 over HTTP. Subscriptions are emulated by polling.
type RPCProvider struct {
	url          string
	client       *http.Client
	pollInterval time.Duration
	nextID       atomic.Int64
}

func NewRPCProvider(url string, timeout, pollInterval time.Duration) *RPCProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &RPCProvider{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		pollInterval: pollInterval,
	}
}

func (p *RPCProvider) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      p.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (p *RPCProvider) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.call(ctx, "eth_accounts", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (string, error) {
	var chainID string
	if err := p.call(ctx, "eth_chainId", &chainID); err != nil {
		return "", err
	}
	return chainID, nil
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.call(ctx, "eth_requestAccounts", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Subscribe polls accounts and chain id and emits an event whenever either changes.
// Poll errors are skipped; the next tick tries again.
func (p *RPCProvider) Subscribe(ctx context.Context) (<-chan Event, error) {
	accounts, err := p.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 4)
	go func() {
		defer close(events)

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if next, err := p.Accounts(ctx); err == nil && !slices.Equal(next, accounts) {
				accounts = next
				if !emit(ctx, events, Event{Type: EventAccountsChanged, Accounts: next}) {
					return
				}
			}
			if next, err := p.ChainID(ctx); err == nil && next != chainID {
				chainID = next
				if !emit(ctx, events, Event{Type: EventChainChanged, ChainID: next}) {
					return
				}
			}
		}
	}()
	return events, nil
}

func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
