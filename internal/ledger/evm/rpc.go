package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"certchain/internal/ledger"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

const maxResponseBytes = 4 << 20

// call performs one JSON-RPC request and decodes result into out. Every
// failure comes back as *ledger.Error.
func (c *Client) call(ctx context.Context, op, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return ledger.NewError(c.network, op, ledger.CategoryInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return ledger.NewError(c.network, op, ledger.CategoryInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ledger.NewError(c.network, op, ledger.CategoryTimeout, err)
		}
		return ledger.NewError(c.network, op, ledger.CategoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ledger.NewError(c.network, op, ledger.CategoryRateLimited, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return ledger.NewError(c.network, op, ledger.CategoryUnavailable, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return ledger.NewError(c.network, op, ledger.CategoryInternal, fmt.Errorf("http %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ledger.NewError(c.network, op, ledger.CategoryUnavailable, err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ledger.NewError(c.network, op, ledger.CategoryInternal, fmt.Errorf("decode response: %w", err))
	}
	if decoded.Error != nil {
		return ledger.NewError(c.network, op, classifyRPCError(decoded.Error), decoded.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return ledger.NewError(c.network, op, ledger.CategoryInternal, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// classifyRPCError maps node error codes onto ledger categories. Codes
// follow EIP-1474; nodes disagree on the -32000 family so the message is
// checked too.
func classifyRPCError(e *rpcError) ledger.Category {
	msg := strings.ToLower(e.Message)
	switch {
	case e.Code == -32005 || strings.Contains(msg, "rate limit"):
		return ledger.CategoryRateLimited
	case e.Code == -32603 || strings.Contains(msg, "timeout") || strings.Contains(msg, "header not found"):
		return ledger.CategoryUnavailable
	case strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced"):
		// Another submission raced this one for the same nonce.
		return ledger.CategoryUnavailable
	default:
		return ledger.CategoryRejected
	}
}
