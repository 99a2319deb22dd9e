package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/ledgerscan/pkg/ledger"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type statusResult struct {
	NodeInfo struct {
		Network string `json:"network"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight   uint64 `json:"latest_block_height,string"`
		EarliestBlockHeight uint64 `json:"earliest_block_height,string"`
	} `json:"sync_info"`
}

type blockResult struct {
	Block struct {
		Header struct {
			Height uint64 `json:"height,string"`
		} `json:"header"`
		Data struct {
			// Base64 in JSON; encoding/json decodes it into raw bytes.
			Txs [][]byte `json:"txs"`
		} `json:"data"`
	} `json:"block"`
}

func blockRequest(height uint64) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      height,
		Method:  "block",
		Params:  map[string]string{"height": strconv.FormatUint(height, 10)},
	}
}

// ChainStatus returns the chain id and the retained height window.
func (c *Client) ChainStatus(ctx context.Context) (ledger.ChainStatus, error) {
	body, err := c.postRPC(ctx, "rpc:status", rpcRequest{JSONRPC: "2.0", ID: 1, Method: "status"})
	if err != nil {
		return ledger.ChainStatus{}, fmt.Errorf("chain status: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ledger.ChainStatus{}, fmt.Errorf("%w: status: %v", ErrInvalidResponse, err)
	}
	if resp.Error != nil {
		return ledger.ChainStatus{}, fmt.Errorf("chain status: %w", resp.Error)
	}

	var st statusResult
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		return ledger.ChainStatus{}, fmt.Errorf("%w: status result: %v", ErrInvalidResponse, err)
	}
	return ledger.ChainStatus{
		ChainID:        st.NodeInfo.Network,
		LatestHeight:   st.SyncInfo.LatestBlockHeight,
		EarliestHeight: st.SyncInfo.EarliestBlockHeight,
	}, nil
}

// Block fetches one block. A height the node has pruned or not yet produced
// yields (nil, nil).
func (c *Client) Block(ctx context.Context, height uint64) (*ledger.Block, error) {
	body, err := c.postRPC(ctx, "rpc:block", blockRequest(height))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrInvalidResponse, height, err)
	}
	return parseBlock(height, resp)
}

// BlockRange fetches [start, end) in one batched JSON-RPC call. The call
// fails as a whole on transport errors; per-height failures are reported in
// the matching BlockResult.
func (c *Client) BlockRange(ctx context.Context, start, end uint64) ([]ledger.BlockResult, error) {
	if start >= end {
		return []ledger.BlockResult{}, nil
	}

	reqs := make([]rpcRequest, 0, end-start)
	for h := start; h < end; h++ {
		reqs = append(reqs, blockRequest(h))
	}

	body, err := c.postRPC(ctx, "rpc:block_batch", reqs)
	if err != nil {
		return nil, fmt.Errorf("blocks [%d, %d): %w", start, end, err)
	}

	var resps []rpcResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		// A node without batch support answers with a single error object.
		var single rpcResponse
		if json.Unmarshal(body, &single) == nil && single.Error != nil {
			return nil, fmt.Errorf("blocks [%d, %d): %w", start, end, single.Error)
		}
		return nil, fmt.Errorf("%w: block batch: %v", ErrInvalidResponse, err)
	}

	byID := make(map[uint64]rpcResponse, len(resps))
	for _, r := range resps {
		id, err := parseID(r.ID)
		if err != nil {
			continue
		}
		byID[id] = r
	}

	out := make([]ledger.BlockResult, 0, end-start)
	for h := start; h < end; h++ {
		res := ledger.BlockResult{Height: h}
		r, ok := byID[h]
		if !ok {
			res.Err = fmt.Errorf("%w: no response for height %d", ErrInvalidResponse, h)
		} else {
			res.Block, res.Err = parseBlock(h, r)
		}
		out = append(out, res)
	}
	return out, nil
}

func parseBlock(height uint64, resp rpcResponse) (*ledger.Block, error) {
	if resp.Error != nil {
		if heightUnavailable(resp.Error) {
			return nil, nil
		}
		return nil, fmt.Errorf("block %d: %w", height, resp.Error)
	}

	var br blockResult
	if err := json.Unmarshal(resp.Result, &br); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrInvalidResponse, height, err)
	}
	if br.Block.Header.Height != height {
		return nil, fmt.Errorf("%w: asked for block %d, got %d", ErrInvalidResponse, height, br.Block.Header.Height)
	}
	txs := br.Block.Data.Txs
	if txs == nil {
		txs = [][]byte{}
	}
	return &ledger.Block{Height: height, Txs: txs}, nil
}

// heightUnavailable matches CometBFT's errors for pruned and future heights.
func heightUnavailable(e *RPCError) bool {
	text := e.Message + " " + e.Data
	return strings.Contains(text, "is not available") ||
		strings.Contains(text, "lowest height is") ||
		strings.Contains(text, "must be less than or equal to")
}

func parseID(raw json.RawMessage) (uint64, error) {
	return strconv.ParseUint(strings.Trim(string(raw), `"`), 10, 64)
}
