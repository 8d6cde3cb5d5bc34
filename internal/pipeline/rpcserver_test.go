package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mpetrun5/txpilot/internal/chain"
	"github.com/mpetrun5/txpilot/internal/signer"
)

const (
	testKeyHex    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testContract  = "0x00000000000000000000000000000000000000bb"
	testRecipient = "0x00000000000000000000000000000000000000cc"
)

var zeroLogsBloom = "0x" + strings.Repeat("00", 256)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// fakeRPC is a configurable JSON-RPC endpoint covering the methods the
// pipeline touches.
type fakeRPC struct {
	t *testing.T

	mu     sync.Mutex
	counts map[string]int

	// callErrData, when set, fails eth_call with revert data.
	callErrData string
	callDelay   time.Duration
	// receiptFound controls whether eth_getTransactionReceipt resolves;
	// receiptStatus is the status it reports when it does.
	receiptFound  bool
	receiptStatus string

	server *httptest.Server
}

func newFakeRPC(t *testing.T) *fakeRPC {
	t.Helper()
	f := &fakeRPC{
		t:             t,
		counts:        map[string]int{},
		receiptFound:  true,
		receiptStatus: "0x1",
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRPC) URL() string { return f.server.URL }

func (f *fakeRPC) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *fakeRPC) handle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.counts[req.Method]++
	f.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		f.writeResult(w, req.ID, "0x1")
	case "eth_call":
		if f.callDelay > 0 {
			time.Sleep(f.callDelay)
		}
		if f.callErrData != "" {
			f.writeErrorWithData(w, req.ID, 3, "execution reverted", f.callErrData)
			return
		}
		f.writeResult(w, req.ID, "0x")
	case "eth_estimateGas":
		f.writeResult(w, req.ID, "0x5208")
	case "eth_maxPriorityFeePerGas":
		f.writeResult(w, req.ID, "0x77359400")
	case "eth_getBlockByNumber":
		f.writeResult(w, req.ID, map[string]any{
			"baseFeePerGas":   "0x3b9aca00",
			"number":          "0x1",
			"hash":            "0x" + strings.Repeat("11", 32),
			"parentHash":      "0x" + strings.Repeat("22", 32),
			"sha3Uncles":      "0x" + strings.Repeat("33", 32),
			"stateRoot":       "0x" + strings.Repeat("44", 32),
			"transactionsRoot": "0x" + strings.Repeat("55", 32),
			"receiptsRoot":    "0x" + strings.Repeat("66", 32),
			"miner":           "0x" + strings.Repeat("00", 20),
			"logsBloom":       zeroLogsBloom,
			"difficulty":      "0x0",
			"extraData":       "0x",
			"gasLimit":        "0x1c9c380",
			"gasUsed":         "0x5208",
			"timestamp":       "0x64",
			"mixHash":         "0x" + strings.Repeat("00", 32),
			"nonce":           "0x0000000000000000",
		})
	case "eth_getTransactionCount":
		f.writeResult(w, req.ID, "0x0")
	case "eth_sendRawTransaction":
		f.writeResult(w, req.ID, "0x"+strings.Repeat("ab", 32))
	case "eth_getTransactionReceipt":
		if !f.receiptFound {
			f.writeResult(w, req.ID, nil)
			return
		}
		var hash string
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &hash)
		}
		f.writeResult(w, req.ID, map[string]any{
			"type":              "0x2",
			"status":            f.receiptStatus,
			"cumulativeGasUsed": "0x5208",
			"logsBloom":         zeroLogsBloom,
			"logs":              []any{},
			"transactionHash":   hash,
			"contractAddress":   nil,
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x3b9aca00",
			"blockHash":         "0x" + strings.Repeat("11", 32),
			"blockNumber":       "0x1",
			"transactionIndex":  "0x0",
		})
	default:
		f.writeError(w, req.ID, -32601, fmt.Sprintf("method not supported in test: %s", req.Method))
	}
}

func (f *fakeRPC) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      decodeRPCID(id),
		"result":  result,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeRPC) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      decodeRPCID(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeRPC) writeErrorWithData(w http.ResponseWriter, id json.RawMessage, code int, message, data string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      decodeRPCID(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
			"data":    data,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeRPCID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return 1
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return 1
	}
	return out
}

func testNetwork(rpcURL string) chain.NetworkConfig {
	return chain.NetworkConfig{
		Key:       "ethereum",
		Name:      "Ethereum",
		RPCURL:    rpcURL,
		ChainID:   1,
		Multicall: "0xcA11bde05977b3631167028862bE2a173976CA11",
	}
}

// newSigningBinding dials the fake endpoint and assembles a signing
// binding around the well-known test key.
func newSigningBinding(t *testing.T, rpc *fakeRPC) *chain.Binding {
	t.Helper()
	client, err := ethclient.Dial(rpc.URL())
	if err != nil {
		t.Fatalf("dial fake rpc: %v", err)
	}
	t.Cleanup(client.Close)
	key, err := signer.FromPrivateKey(testKeyHex)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	return &chain.Binding{
		Network: testNetwork(rpc.URL()),
		Address: common.HexToAddress(testContract),
		Mode:    chain.ModeSigning,
		ABI:     chain.ERC20ABI,
		Client:  client,
		Key:     key,
	}
}

func transferDescriptor() OperationDescriptor {
	return OperationDescriptor{
		Method: "transfer",
		Args:   []any{common.HexToAddress(testRecipient), bigInt(1000)},
	}
}
