package pipeline

import (
	"context"
	"math/big"
	"sync"

	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"go.uber.org/zap"
)

// ApprovalGate reports whether the operation's spending-allowance
// precondition is satisfied. A nil gate means no approval is required.
type ApprovalGate interface {
	Ready() bool
}

// Pipeline drives one write operation through estimate → confirm →
// submit. Within an instance, estimation and submission are mutually
// exclusive: a duplicate request of the same kind while one is in flight
// is dropped, not queued. Results arriving after the caller's context
// was cancelled are suppressed, so an abandoned instance never mutates.
type Pipeline struct {
	mu         sync.Mutex
	state      State
	binding    *chain.Binding
	descriptor OperationDescriptor
	estimate   *GasEstimate
	record     *TransactionRecord
	lastErr    string

	gate      ApprovalGate
	estimator *Estimator
	submitter *Submitter
	log       *zap.Logger

	estimating bool
	submitting bool
}

// Snapshot is the discrete progress view exposed to presentation layers.
type Snapshot struct {
	State    State              `json:"state"`
	Estimate *GasEstimate       `json:"estimate,omitempty"`
	Record   *TransactionRecord `json:"record,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func New(binding *chain.Binding, descriptor OperationDescriptor, gate ApprovalGate, estimator *Estimator, submitter *Submitter, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		state:      StateIdle,
		binding:    binding,
		descriptor: descriptor,
		gate:       gate,
		estimator:  estimator,
		submitter:  submitter,
		log:        log,
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{State: p.state, Estimate: p.estimate, Record: p.record, Error: p.lastErr}
}

// SetDescriptor replaces the operation, discarding any estimate derived
// from the previous one.
func (p *Pipeline) SetDescriptor(d OperationDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptor = d
	p.estimate = nil
	p.record = nil
	p.lastErr = ""
	p.state = StateIdle
}

// Estimate runs the simulate-then-estimate sequence. A call while an
// estimate is already in flight is a no-op returning (nil, nil).
func (p *Pipeline) Estimate(ctx context.Context) (*GasEstimate, error) {
	p.mu.Lock()
	if p.estimating || p.submitting {
		p.mu.Unlock()
		return nil, nil
	}
	if p.gate != nil && !p.gate.Ready() {
		p.mu.Unlock()
		return nil, clierr.New(clierr.KindApprovalRequired, "operation requires a spending approval before estimation")
	}
	prev := p.state
	p.estimating = true
	p.state = StateEstimating
	binding, descriptor := p.binding, p.descriptor
	p.mu.Unlock()

	estimate, err := p.estimator.Estimate(ctx, binding, descriptor)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimating = false
	if ctx.Err() != nil {
		// The hosting context closed mid-flight; drop the result.
		p.state = prev
		return nil, clierr.Wrap(clierr.KindUserAborted, "estimate abandoned", ctx.Err())
	}
	if err != nil {
		p.state = StateFailed
		p.lastErr = err.Error()
		return nil, err
	}
	p.estimate = estimate
	p.lastErr = ""
	p.state = StateEstimated
	return estimate, nil
}

// Submit broadcasts the previously estimated operation. Re-entrant calls
// while a submission is pending are ignored. The transaction record is
// returned alongside timeout errors so the caller always holds the hash
// of anything actually broadcast.
func (p *Pipeline) Submit(ctx context.Context, waitForFinality bool) (*TransactionRecord, error) {
	p.mu.Lock()
	if p.submitting || p.estimating {
		p.mu.Unlock()
		return nil, nil
	}
	if p.estimate == nil {
		p.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "nothing to submit: estimate the operation first")
	}
	prev := p.state
	p.submitting = true
	p.state = StateSubmitting
	binding, descriptor, estimate := p.binding, p.descriptor, p.estimate
	p.mu.Unlock()

	record, err := p.submitter.Submit(ctx, binding, descriptor, estimate, waitForFinality)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitting = false
	if ctx.Err() != nil && record == nil {
		p.state = prev
		return nil, clierr.Wrap(clierr.KindUserAborted, "submit abandoned", ctx.Err())
	}
	if record != nil {
		p.record = record
	}
	if err != nil {
		p.state = StateFailed
		p.lastErr = err.Error()
		return record, err
	}
	p.lastErr = ""
	p.state = StateSubmitted
	return record, nil
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }
