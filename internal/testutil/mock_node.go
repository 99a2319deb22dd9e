// Package testutil provides a mock ledger node for tests: CometBFT JSON-RPC
// on / and the Cosmos REST routes the scanner uses.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/ledgerscan/pkg/cosmos"
)

// MockResponse is a canned reply for one path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Delegation is one staking position served by the mock.
type Delegation struct {
	Validator string
	Denom     string
	Amount    string
}

// MockNode is a configurable in-process ledger node.
type MockNode struct {
	server *httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	failures map[string][]int

	// Chain state. Blocks exist for heights [Earliest, Latest].
	ChainID  string
	Earliest uint64
	Latest   uint64
	TxsFor   func(height uint64) [][]byte

	// Account state keyed by address. Rewards are decimal strings as the
	// REST gateway renders DecCoins.
	Accounts    []string
	Balances    map[string]string
	Rewards     map[string]map[string]string
	Delegations map[string][]Delegation
	Denom       string

	// Tracking
	RequestCount int
	MethodCount  map[string]int
	BatchSizes   []int
}

// NewMockNode starts a node serving blocks [earliest, latest] with one bank
// send per block.
func NewMockNode(earliest, latest uint64) *MockNode {
	m := &MockNode{
		handlers:    make(map[string]http.HandlerFunc),
		failures:    make(map[string][]int),
		ChainID:     "gravity-bridge-3",
		Earliest:    earliest,
		Latest:      latest,
		Balances:    make(map[string]string),
		Rewards:     make(map[string]map[string]string),
		Delegations: make(map[string][]Delegation),
		Denom:       "ugraviton",
		MethodCount: make(map[string]int),
	}
	send := cosmos.Any{TypeURL: "/cosmos.bank.v1beta1.MsgSend", Value: []byte{0x0a, 0x01, 'x'}}
	m.TxsFor = func(height uint64) [][]byte {
		return [][]byte{cosmos.EncodeTx(send)}
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL for both RPC and REST.
func (m *MockNode) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockNode) Close() {
	m.server.Close()
}

// SetHandler overrides the handler for a path.
func (m *MockNode) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockNode) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailNext makes the next requests to key answer with the given status codes,
// one per request. key is a REST path or "rpc:<method>".
func (m *MockNode) FailNext(key string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], statuses...)
}

// AddAccount registers an account with a bank balance.
func (m *MockNode) AddAccount(address, balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accounts = append(m.Accounts, address)
	if balance != "" {
		m.Balances[address] = balance
	}
}

// GetRequestCount returns the number of HTTP requests served.
func (m *MockNode) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetMethodCount returns how often a JSON-RPC method or REST route was called.
func (m *MockNode) GetMethodCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.MethodCount[method]
}

func (m *MockNode) nextFailure(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.failures[key]
	if len(q) == 0 {
		return 0
	}
	m.failures[key] = q[1:]
	return q[0]
}

func (m *MockNode) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	handler, custom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if custom {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost && (r.URL.Path == "/" || r.URL.Path == "") {
		m.serveRPC(w, r)
		return
	}
	m.serveREST(w, r)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (m *MockNode) serveRPC(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var reqs []rpcRequest
		if err := json.Unmarshal(raw, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.BatchSizes = append(m.BatchSizes, len(reqs))
		m.mu.Unlock()

		if len(reqs) > 0 {
			if status := m.nextFailure("rpc:" + reqs[0].Method); status != 0 {
				w.WriteHeader(status)
				return
			}
		}
		out := make([]rpcResponse, 0, len(reqs))
		for _, req := range reqs {
			out = append(out, m.handleRPC(req))
		}
		json.NewEncoder(w).Encode(out)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if status := m.nextFailure("rpc:" + req.Method); status != 0 {
		w.WriteHeader(status)
		return
	}
	json.NewEncoder(w).Encode(m.handleRPC(req))
}

func (m *MockNode) handleRPC(req rpcRequest) rpcResponse {
	m.mu.Lock()
	m.MethodCount[req.Method]++
	m.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "status":
		resp.Result = map[string]any{
			"node_info": map[string]any{"network": m.ChainID},
			"sync_info": map[string]any{
				"latest_block_height":   strconv.FormatUint(m.Latest, 10),
				"earliest_block_height": strconv.FormatUint(m.Earliest, 10),
			},
		}
	case "block":
		height, err := strconv.ParseUint(fmt.Sprint(req.Params["height"]), 10, 64)
		if err != nil {
			resp.Error = &rpcError{Code: -32602, Message: "Invalid params", Data: err.Error()}
			break
		}
		if height < m.Earliest {
			resp.Error = &rpcError{Code: -32603, Message: "Internal error",
				Data: fmt.Sprintf("height %d is not available, lowest height is %d", height, m.Earliest)}
			break
		}
		if height > m.Latest {
			resp.Error = &rpcError{Code: -32603, Message: "Internal error",
				Data: fmt.Sprintf("height %d must be less than or equal to the current blockchain height %d", height, m.Latest)}
			break
		}
		var txs []string
		for _, tx := range m.TxsFor(height) {
			txs = append(txs, base64.StdEncoding.EncodeToString(tx))
		}
		resp.Result = map[string]any{
			"block": map[string]any{
				"header": map[string]any{"chain_id": m.ChainID, "height": strconv.FormatUint(height, 10)},
				"data":   map[string]any{"txs": txs},
			},
		}
	default:
		resp.Error = &rpcError{Code: -32601, Message: "Method not found"}
	}
	return resp
}

func (m *MockNode) serveREST(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if status := m.nextFailure(path); status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(`{"code":13,"message":"injected failure"}`))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case path == "/cosmos/auth/v1beta1/accounts":
		m.MethodCount["accounts"]++
		m.writeAccounts(w, r)

	case strings.HasPrefix(path, "/cosmos/bank/v1beta1/balances/") && strings.HasSuffix(path, "/by_denom"):
		m.MethodCount["balance"]++
		addr := strings.TrimSuffix(strings.TrimPrefix(path, "/cosmos/bank/v1beta1/balances/"), "/by_denom")
		denom := r.URL.Query().Get("denom")
		amount, ok := m.Balances[addr]
		if !ok {
			amount = "0"
		}
		json.NewEncoder(w).Encode(map[string]any{"balance": map[string]string{"denom": denom, "amount": amount}})

	case strings.HasPrefix(path, "/cosmos/distribution/v1beta1/delegators/") && strings.HasSuffix(path, "/rewards"):
		m.MethodCount["rewards"]++
		addr := strings.TrimSuffix(strings.TrimPrefix(path, "/cosmos/distribution/v1beta1/delegators/"), "/rewards")
		total := []map[string]string{}
		denoms := make([]string, 0, len(m.Rewards[addr]))
		for d := range m.Rewards[addr] {
			denoms = append(denoms, d)
		}
		sort.Strings(denoms)
		for _, d := range denoms {
			total = append(total, map[string]string{"denom": d, "amount": m.Rewards[addr][d]})
		}
		json.NewEncoder(w).Encode(map[string]any{"rewards": []any{}, "total": total})

	case strings.HasPrefix(path, "/cosmos/staking/v1beta1/delegations/"):
		m.MethodCount["delegations"]++
		addr := strings.TrimPrefix(path, "/cosmos/staking/v1beta1/delegations/")
		resps := []any{}
		for _, d := range m.Delegations[addr] {
			resps = append(resps, map[string]any{
				"delegation": map[string]string{"delegator_address": addr, "validator_address": d.Validator, "shares": d.Amount + ".000000000000000000"},
				"balance":    map[string]string{"denom": d.Denom, "amount": d.Amount},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"delegation_responses": resps,
			"pagination":           map[string]any{"next_key": nil, "total": strconv.Itoa(len(resps))},
		})

	default:
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte(`{"code":12,"message":"Not Implemented"}`))
	}
}

// writeAccounts serves offset pagination. Every third account is rendered as
// a module account to exercise nested address extraction.
func (m *MockNode) writeAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("pagination.offset"))
	limit, _ := strconv.Atoi(q.Get("pagination.limit"))
	if limit <= 0 {
		limit = 100
	}

	end := min(offset+limit, len(m.Accounts))
	accts := []any{}
	for i := offset; i < end; i++ {
		addr := m.Accounts[i]
		if i%3 == 2 {
			accts = append(accts, map[string]any{
				"@type":        "/cosmos.auth.v1beta1.ModuleAccount",
				"base_account": map[string]any{"address": addr, "account_number": strconv.Itoa(i)},
				"name":         "module",
			})
			continue
		}
		accts = append(accts, map[string]any{
			"@type":          "/cosmos.auth.v1beta1.BaseAccount",
			"address":        addr,
			"account_number": strconv.Itoa(i),
		})
	}

	pagination := map[string]any{"next_key": nil, "total": "0"}
	if q.Get("pagination.count_total") == "true" {
		pagination["total"] = strconv.Itoa(len(m.Accounts))
	}
	if end < len(m.Accounts) {
		pagination["next_key"] = base64.StdEncoding.EncodeToString([]byte(m.Accounts[end]))
	}
	json.NewEncoder(w).Encode(map[string]any{"accounts": accts, "pagination": pagination})
}
