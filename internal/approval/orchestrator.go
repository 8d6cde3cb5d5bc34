package approval

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"go.uber.org/zap"
)

// State is the allowance sub-flow's position. Approved is terminal for
// the current parameter set; any parameter change resets the flow.
type State string

const (
	StateNotRequired         State = "not-required"
	StateRequiredUnestimated State = "required-unestimated"
	StateEstimating          State = "estimating"
	StateEstimatedUnapproved State = "estimated-unapproved"
	StateApproving           State = "approving"
	StateApproved            State = "approved"
	StateErrored             State = "errored"
)

// spendingMethods are the operations that move tokens on the caller's
// behalf and therefore need a prior allowance grant.
var spendingMethods = map[string]struct{}{
	"transferFrom":     {},
	"deposit":          {},
	"supply":           {},
	"repay":            {},
	"stake":            {},
	"lock":             {},
	"addLiquidity":     {},
	"swapExactTokens":  {},
	"exactInputSingle": {},
}

// RequiresAllowance reports whether the named method is in the known
// spending set.
func RequiresAllowance(method string) bool {
	_, ok := spendingMethods[method]
	return ok
}

// Params identify one allowance grant: owner lets spender move up to
// amount of token.
type Params struct {
	Token   common.Address
	Spender common.Address
	Owner   common.Address
	Amount  *big.Int
}

func (p Params) equal(other Params) bool {
	if p.Token != other.Token || p.Spender != other.Spender || p.Owner != other.Owner {
		return false
	}
	switch {
	case p.Amount == nil && other.Amount == nil:
		return true
	case p.Amount == nil || other.Amount == nil:
		return false
	default:
		return p.Amount.Cmp(other.Amount) == 0
	}
}

// Deps are the collaborators the orchestrator drives the approval
// transaction through: the same estimate/submit path as any other
// operation.
type Deps struct {
	Bindings  *chain.BindingCache
	Estimator *pipeline.Estimator
	Submitter *pipeline.Submitter
	Log       *zap.Logger
}

// Orchestrator gates a primary operation on its token allowance. It owns
// a small state machine and executes the approval itself through the
// standard pipeline.
type Orchestrator struct {
	mu       sync.Mutex
	state    State
	params   Params
	required *big.Int
	record   *pipeline.TransactionRecord
	lastErr  string

	network chain.NetworkConfig
	deps    Deps

	estimating bool
	approving  bool
}

// New builds the orchestrator for the primary operation's method name.
// Methods outside the spending set start (and stay) at not-required.
func New(method string, network chain.NetworkConfig, params Params, deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	state := StateNotRequired
	if RequiresAllowance(method) {
		state = StateRequiredUnestimated
	}
	return &Orchestrator{state: state, params: params, network: network, deps: deps}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Ready satisfies pipeline.ApprovalGate: the primary estimate may
// proceed only when no approval is needed or it has been observed.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateNotRequired || o.state == StateApproved
}

// Record exposes the approval transaction, if one was submitted.
func (o *Orchestrator) Record() *pipeline.TransactionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record
}

// RequiredAmount is the estimated allowance the grant must cover.
func (o *Orchestrator) RequiredAmount() *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.required == nil {
		return nil
	}
	return new(big.Int).Set(o.required)
}

// Update replaces the parameters. Any change to amount, spender, token
// or owner resets the flow to required-unestimated, including from
// approved.
func (o *Orchestrator) Update(params Params) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateNotRequired || o.params.equal(params) {
		o.params = params
		return
	}
	o.params = params
	o.required = nil
	o.record = nil
	o.lastErr = ""
	o.state = StateRequiredUnestimated
}

// EstimateSpending reads the current on-chain allowance and decides how
// much the grant must cover. A sufficient existing allowance moves the
// flow straight to approved. Duplicate requests while one is in flight
// are dropped.
func (o *Orchestrator) EstimateSpending(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	if o.estimating || o.approving {
		o.mu.Unlock()
		return nil, nil
	}
	switch o.state {
	case StateRequiredUnestimated, StateErrored:
	case StateNotRequired:
		o.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "operation does not require an allowance")
	default:
		o.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "allowance already estimated for the current parameters")
	}
	if o.params.Amount == nil || o.params.Amount.Sign() <= 0 {
		o.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "allowance amount must be positive")
	}
	params := o.params
	o.estimating = true
	prev := o.state
	o.state = StateEstimating
	o.mu.Unlock()

	allowance, err := o.readAllowance(ctx, params)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.estimating = false
	if ctx.Err() != nil {
		o.state = prev
		return nil, clierr.Wrap(clierr.KindUserAborted, "allowance estimate abandoned", ctx.Err())
	}
	if err != nil {
		o.state = StateErrored
		o.lastErr = err.Error()
		return nil, err
	}
	if allowance.Cmp(params.Amount) >= 0 {
		// Existing grant already covers the operation.
		o.required = new(big.Int).Set(params.Amount)
		o.state = StateApproved
		return new(big.Int).Set(o.required), nil
	}
	o.required = new(big.Int).Set(params.Amount)
	o.state = StateEstimatedUnapproved
	return new(big.Int).Set(o.required), nil
}

// Approve drives the approve(spender, amount) transaction through the
// standard simulate → estimate → submit path and waits for its receipt.
func (o *Orchestrator) Approve(ctx context.Context) (*pipeline.TransactionRecord, error) {
	o.mu.Lock()
	if o.approving || o.estimating {
		o.mu.Unlock()
		return nil, nil
	}
	switch o.state {
	case StateEstimatedUnapproved, StateErrored:
	default:
		o.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "estimate the required allowance before approving")
	}
	if o.required == nil {
		o.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "estimate the required allowance before approving")
	}
	params := o.params
	amount := new(big.Int).Set(o.required)
	prev := o.state
	o.approving = true
	o.state = StateApproving
	o.mu.Unlock()

	record, err := o.submitApproval(ctx, params, amount)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.approving = false
	if ctx.Err() != nil && record == nil {
		o.state = prev
		return nil, clierr.Wrap(clierr.KindUserAborted, "approval abandoned", ctx.Err())
	}
	if record != nil {
		o.record = record
	}
	if err != nil {
		o.state = StateErrored
		o.lastErr = err.Error()
		return record, err
	}
	o.state = StateApproved
	o.lastErr = ""
	return record, nil
}

func (o *Orchestrator) readAllowance(ctx context.Context, params Params) (*big.Int, error) {
	binding, err := o.deps.Bindings.Get(ctx, o.network, params.Token.Hex(), chain.ERC20ABI, chain.ModeRead)
	if err != nil {
		return nil, err
	}
	data, err := chain.ERC20ABI.Pack("allowance", params.Owner, params.Spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindInternal, "pack allowance calldata", err)
	}
	token := binding.Address
	raw, err := binding.Client.CallContract(ctx, ethereum.CallMsg{From: params.Owner, To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "read token allowance", err)
	}
	out, err := chain.ERC20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.KindNetwork, "decode token allowance", err)
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.KindNetwork, "invalid allowance response")
	}
	return allowance, nil
}

func (o *Orchestrator) submitApproval(ctx context.Context, params Params, amount *big.Int) (*pipeline.TransactionRecord, error) {
	binding, err := o.deps.Bindings.Get(ctx, o.network, params.Token.Hex(), chain.ERC20ABI, chain.ModeSigning)
	if err != nil {
		return nil, err
	}
	descriptor := pipeline.OperationDescriptor{
		Method: "approve",
		Args:   []any{params.Spender, amount},
	}
	estimate, err := o.deps.Estimator.Estimate(ctx, binding, descriptor)
	if err != nil {
		return nil, err
	}
	o.deps.Log.Debug("submitting approval",
		zap.String("token", params.Token.Hex()),
		zap.String("spender", params.Spender.Hex()),
		zap.String("amount", amount.String()))
	return o.deps.Submitter.Submit(ctx, binding, descriptor, estimate, true)
}
