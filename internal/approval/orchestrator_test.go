package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"github.com/mpetrun5/txpilot/internal/signer"
)

const (
	approvalTestKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	approvalTestToken  = "0x00000000000000000000000000000000000000aa"
	approvalTestSpend  = "0x00000000000000000000000000000000000000bb"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// allowanceSelector is the 4-byte prefix of allowance(address,address)
// calldata, used to tell allowance reads apart from simulations.
var allowanceSelector = hexutil.Encode(chain.ERC20ABI.Methods["allowance"].ID)

// newApprovalRPC serves the allowance read plus the full estimate/submit
// surface the approval transaction needs.
func newApprovalRPC(t *testing.T, allowance *big.Int) *httptest.Server {
	t.Helper()
	allowanceHex := hexutil.Encode(common.LeftPadBytes(allowance.Bytes(), 32))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeResult := func(result any) {
			w.Header().Set("Content-Type", "application/json")
			var id any = 1
			if len(req.ID) > 0 {
				_ = json.Unmarshal(req.ID, &id)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  result,
			})
		}

		switch req.Method {
		case "eth_chainId":
			writeResult("0x1")
		case "eth_call":
			var msg struct {
				Data  string `json:"data"`
				Input string `json:"input"`
			}
			if len(req.Params) > 0 {
				_ = json.Unmarshal(req.Params[0], &msg)
			}
			calldata := msg.Input
			if calldata == "" {
				calldata = msg.Data
			}
			if strings.HasPrefix(calldata, allowanceSelector) {
				writeResult(allowanceHex)
				return
			}
			writeResult("0x")
		case "eth_estimateGas":
			writeResult("0xb411")
		case "eth_maxPriorityFeePerGas":
			writeResult("0x77359400")
		case "eth_getBlockByNumber":
			writeResult(map[string]any{
				"baseFeePerGas":    "0x3b9aca00",
				"number":           "0x1",
				"hash":             "0x" + strings.Repeat("11", 32),
				"parentHash":       "0x" + strings.Repeat("22", 32),
				"sha3Uncles":       "0x" + strings.Repeat("33", 32),
				"stateRoot":        "0x" + strings.Repeat("44", 32),
				"transactionsRoot": "0x" + strings.Repeat("55", 32),
				"receiptsRoot":     "0x" + strings.Repeat("66", 32),
				"miner":            "0x" + strings.Repeat("00", 20),
				"logsBloom":        "0x" + strings.Repeat("00", 256),
				"difficulty":       "0x0",
				"extraData":        "0x",
				"gasLimit":         "0x1c9c380",
				"gasUsed":          "0x5208",
				"timestamp":        "0x64",
				"mixHash":          "0x" + strings.Repeat("00", 32),
				"nonce":            "0x0000000000000000",
			})
		case "eth_getTransactionCount":
			writeResult("0x0")
		case "eth_sendRawTransaction":
			writeResult("0x" + strings.Repeat("ab", 32))
		case "eth_getTransactionReceipt":
			var hash string
			if len(req.Params) > 0 {
				_ = json.Unmarshal(req.Params[0], &hash)
			}
			writeResult(map[string]any{
				"type":              "0x2",
				"status":            "0x1",
				"cumulativeGasUsed": "0xb411",
				"logsBloom":         "0x" + strings.Repeat("00", 256),
				"logs":              []any{},
				"transactionHash":   hash,
				"contractAddress":   nil,
				"gasUsed":           "0xb411",
				"effectiveGasPrice": "0x3b9aca00",
				"blockHash":         "0x" + strings.Repeat("11", 32),
				"blockNumber":       "0x1",
				"transactionIndex":  "0x0",
			})
		default:
			http.Error(w, fmt.Sprintf("method not supported in test: %s", req.Method), http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newOrchestratorFixture(t *testing.T, allowance, amount *big.Int) *Orchestrator {
	t.Helper()
	server := newApprovalRPC(t, allowance)

	key, err := signer.FromPrivateKey(approvalTestKeyHex)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	conns := chain.NewConnectionCache(4, nil, nil)
	bindings := chain.NewBindingCache(4, conns, signer.Static(key), nil)

	network := chain.NetworkConfig{
		Key:       "ethereum",
		Name:      "Ethereum",
		RPCURL:    server.URL,
		ChainID:   1,
		Multicall: "0xcA11bde05977b3631167028862bE2a173976CA11",
	}
	params := Params{
		Token:   common.HexToAddress(approvalTestToken),
		Spender: common.HexToAddress(approvalTestSpend),
		Owner:   key.Address(),
		Amount:  amount,
	}
	deps := Deps{
		Bindings:  bindings,
		Estimator: pipeline.NewEstimator(pipeline.DefaultEstimateOptions(), nil),
		Submitter: pipeline.NewSubmitter(pipeline.SubmitOptions{PollInterval: 10 * time.Millisecond, ReceiptTimeout: time.Second}, nil),
	}
	return New("transferFrom", network, params, deps)
}

func TestRequiresAllowance(t *testing.T) {
	cases := []struct {
		method string
		want   bool
	}{
		{"transferFrom", true},
		{"deposit", true},
		{"supply", true},
		{"swapExactTokens", true},
		{"transfer", false},
		{"approve", false},
		{"balanceOf", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := RequiresAllowance(tc.method); got != tc.want {
			t.Fatalf("RequiresAllowance(%q) = %v, want %v", tc.method, got, tc.want)
		}
	}
}

func TestOrchestratorNotRequiredForPlainMethods(t *testing.T) {
	o := New("transfer", chain.NetworkConfig{}, Params{}, Deps{})
	if o.State() != StateNotRequired {
		t.Fatalf("expected not-required, got %s", o.State())
	}
	if !o.Ready() {
		t.Fatal("plain methods must be ready immediately")
	}
	if _, err := o.EstimateSpending(context.Background()); !clierr.Is(err, clierr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrchestratorEstimateInsufficientAllowance(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(0), big.NewInt(500))
	if o.Ready() {
		t.Fatal("spending method must start gated")
	}

	required, err := o.EstimateSpending(context.Background())
	if err != nil {
		t.Fatalf("estimate spending: %v", err)
	}
	if required.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected required amount 500, got %s", required)
	}
	if o.State() != StateEstimatedUnapproved {
		t.Fatalf("expected estimated-unapproved, got %s", o.State())
	}
	if o.Ready() {
		t.Fatal("gate must stay closed until the grant lands")
	}
}

func TestOrchestratorSufficientAllowanceSkipsApproval(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(1000), big.NewInt(500))

	if _, err := o.EstimateSpending(context.Background()); err != nil {
		t.Fatalf("estimate spending: %v", err)
	}
	if o.State() != StateApproved {
		t.Fatalf("expected approved, got %s", o.State())
	}
	if !o.Ready() {
		t.Fatal("sufficient allowance must open the gate")
	}
	if o.Record() != nil {
		t.Fatal("no approval transaction should exist")
	}
}

func TestOrchestratorApproveFlow(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(0), big.NewInt(500))

	if _, err := o.EstimateSpending(context.Background()); err != nil {
		t.Fatalf("estimate spending: %v", err)
	}
	record, err := o.Approve(context.Background())
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if record == nil || record.Method != "approve" {
		t.Fatalf("expected an approve record, got %+v", record)
	}
	if record.Outcome != pipeline.OutcomeConfirmed {
		t.Fatalf("expected confirmed approval, got %s", record.Outcome)
	}
	if o.State() != StateApproved || !o.Ready() {
		t.Fatalf("expected approved and ready, got %s", o.State())
	}
	if o.Record() != record {
		t.Fatal("record accessor must expose the approval transaction")
	}
}

func TestOrchestratorApproveRequiresEstimate(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(0), big.NewInt(500))
	_, err := o.Approve(context.Background())
	if !clierr.Is(err, clierr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrchestratorRejectsNonPositiveAmount(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(0), big.NewInt(0))
	_, err := o.EstimateSpending(context.Background())
	if !clierr.Is(err, clierr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrchestratorUpdateResetsFromApproved(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(1000), big.NewInt(500))
	if _, err := o.EstimateSpending(context.Background()); err != nil {
		t.Fatalf("estimate spending: %v", err)
	}
	if o.State() != StateApproved {
		t.Fatalf("expected approved, got %s", o.State())
	}

	key, err := signer.FromPrivateKey(approvalTestKeyHex)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	o.Update(Params{
		Token:   common.HexToAddress(approvalTestToken),
		Spender: common.HexToAddress(approvalTestSpend),
		Owner:   key.Address(),
		Amount:  big.NewInt(750),
	})
	if o.State() != StateRequiredUnestimated {
		t.Fatalf("expected reset to required-unestimated, got %s", o.State())
	}
	if o.Ready() {
		t.Fatal("changed parameters must close the gate")
	}
	if o.RequiredAmount() != nil {
		t.Fatal("stale required amount must be discarded")
	}
}

func TestOrchestratorUpdateIdenticalParamsKeepsState(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(1000), big.NewInt(500))
	if _, err := o.EstimateSpending(context.Background()); err != nil {
		t.Fatalf("estimate spending: %v", err)
	}

	key, err := signer.FromPrivateKey(approvalTestKeyHex)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	o.Update(Params{
		Token:   common.HexToAddress(approvalTestToken),
		Spender: common.HexToAddress(approvalTestSpend),
		Owner:   key.Address(),
		Amount:  big.NewInt(500),
	})
	if o.State() != StateApproved {
		t.Fatalf("identical parameters must not reset the flow, got %s", o.State())
	}
}

func TestOrchestratorDuplicateEstimateDropped(t *testing.T) {
	o := newOrchestratorFixture(t, big.NewInt(1000), big.NewInt(500))
	if _, err := o.EstimateSpending(context.Background()); err != nil {
		t.Fatalf("estimate spending: %v", err)
	}
	// Estimating again for the same parameters is refused, not re-run.
	_, err := o.EstimateSpending(context.Background())
	if !clierr.Is(err, clierr.KindValidation) {
		t.Fatalf("expected validation error for repeat estimate, got %v", err)
	}
}
