package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

// OperationDescriptor captures a user's intent to invoke one contract
// write operation. Immutable per pipeline run; any change produces a new
// descriptor and discards derived estimates.
type OperationDescriptor struct {
	Method string
	Args   []any
	// Value is the native currency attached to the call, nil for none.
	Value *big.Int
	// Display metadata for currency conversion at the presentation
	// layer; the pipeline itself never interprets these.
	TokenSymbol   string
	TokenDecimals int
	// Prefilled values supplied by a macro step, carried for rendering.
	Prefilled map[string]string
}

// CallData packs the descriptor against the binding's ABI. Malformed
// method names or arguments fail before any network call is made.
func (d OperationDescriptor) CallData(contractABI abi.ABI) ([]byte, error) {
	if d.Method == "" {
		return nil, clierr.New(clierr.KindValidation, "operation is missing a method name")
	}
	if _, ok := contractABI.Methods[d.Method]; !ok {
		return nil, clierr.New(clierr.KindValidation, fmt.Sprintf("method %q is not in the contract interface", d.Method))
	}
	data, err := contractABI.Pack(d.Method, d.Args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, fmt.Sprintf("pack %s calldata", d.Method), err)
	}
	return data, nil
}

func (d OperationDescriptor) value() *big.Int {
	if d.Value == nil {
		return big.NewInt(0)
	}
	return d.Value
}

// GasEstimate is the product of a successful simulation followed by an
// estimate request. It is only valid for the exact descriptor and network
// it was produced from.
type GasEstimate struct {
	GasLimit  uint64    `json:"gas_limit"`
	TipCap    *big.Int  `json:"tip_cap_wei"`
	FeeCap    *big.Int  `json:"fee_cap_wei"`
	BaseFee   *big.Int  `json:"base_fee_wei"`
	TotalCost *big.Int  `json:"total_cost_wei"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the final verdict on a submitted transaction. Unknown means
// the receipt wait timed out; it is explicitly not a failure verdict.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeUnknown   Outcome = "unknown"
)

// TransactionRecord is created at submit time and finalized when the
// receipt wait completes or times out. The hash is always present once
// the transaction was broadcast.
type TransactionRecord struct {
	ID          string       `json:"id"`
	Network     string       `json:"network"`
	Contract    string       `json:"contract"`
	Method      string       `json:"method"`
	Hash        string       `json:"hash"`
	Outcome     Outcome      `json:"outcome"`
	Estimate    *GasEstimate `json:"estimate,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	FinalizedAt time.Time    `json:"finalized_at,omitempty"`
}

func NewRecordID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "tx_unknown"
	}
	return "tx_" + hex.EncodeToString(b)
}

// State names the discrete pipeline phases a presentation layer renders.
type State string

const (
	StateIdle       State = "idle"
	StateEstimating State = "estimating"
	StateEstimated  State = "estimated"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateFailed     State = "failed"
)
