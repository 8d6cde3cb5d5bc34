package macro

import (
	"context"
	"sync"

	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"go.uber.org/zap"
)

// RunState is the sequencer's position. Executing additionally tracks a
// zero-based index into the generated operation list.
type RunState string

const (
	StateIntro     RunState = "intro"
	StateLoading   RunState = "loading"
	StateExecuting RunState = "executing"
	StateCompleted RunState = "completed"
	StateAborted   RunState = "aborted"
)

// FetchFunc loads the data the macro's operations are generated from.
type FetchFunc func(ctx context.Context) (any, error)

// ValidateFunc rejects fetched data that cannot produce a runnable
// macro; the returned error becomes the intro-screen reason.
type ValidateFunc func(data any) error

// GenerateFunc turns fetched data into the ordered operation list.
type GenerateFunc func(data any) ([]pipeline.OperationDescriptor, error)

// ExecuteFunc drives one generated operation through the full pipeline
// (approval gate, estimate, confirmation, submit) and returns its
// record.
type ExecuteFunc func(ctx context.Context, step int, d pipeline.OperationDescriptor) (*pipeline.TransactionRecord, error)

// Sequencer chains several dependent write operations with shared data,
// abort, and cache-invalidation semantics. Derived read caches are
// invalidated exactly once per run, at completion or abort, never
// per-step.
type Sequencer struct {
	mu          sync.Mutex
	state       RunState
	stepIndex   int
	steps       []pipeline.OperationDescriptor
	records     []*pipeline.TransactionRecord
	data        any
	reason      string
	invalidated bool

	fetch      FetchFunc
	validate   ValidateFunc
	generate   GenerateFunc
	execute    ExecuteFunc
	invalidate func()
	dropReads  func()
	log        *zap.Logger

	loading bool
	running bool
}

// Config wires the sequencer's collaborators. Invalidate clears derived
// read caches (balances, aggregate reads); DropReads clears only the
// data a Refresh re-fetches.
type Config struct {
	Fetch      FetchFunc
	Validate   ValidateFunc
	Generate   GenerateFunc
	Execute    ExecuteFunc
	Invalidate func()
	DropReads  func()
	Log        *zap.Logger
}

// Snapshot is the discrete progress view for presentation layers.
type Snapshot struct {
	State      RunState                      `json:"state"`
	StepIndex  int                           `json:"step_index"`
	TotalSteps int                           `json:"total_steps"`
	Records    []*pipeline.TransactionRecord `json:"records"`
	Reason     string                        `json:"reason,omitempty"`
}

func NewSequencer(cfg Config) *Sequencer {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Sequencer{
		state:      StateIntro,
		fetch:      cfg.Fetch,
		validate:   cfg.Validate,
		generate:   cfg.Generate,
		execute:    cfg.Execute,
		invalidate: cfg.Invalidate,
		dropReads:  cfg.DropReads,
		log:        cfg.Log,
	}
}

func (s *Sequencer) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*pipeline.TransactionRecord, len(s.records))
	copy(records, s.records)
	return Snapshot{
		State:      s.state,
		StepIndex:  s.stepIndex,
		TotalSteps: len(s.steps),
		Records:    records,
		Reason:     s.reason,
	}
}

// Start moves intro → loading, runs the data-fetch step, the validation
// predicate, and the generator, then enters executing. Rejected data
// returns the run to intro with a reason.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateIntro {
		s.mu.Unlock()
		return clierr.New(clierr.KindValidation, "macro can only start from intro")
	}
	s.loading = true
	s.state = StateLoading
	s.mu.Unlock()

	data, steps, err := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if ctx.Err() != nil {
		s.state = StateIntro
		return clierr.Wrap(clierr.KindUserAborted, "macro load abandoned", ctx.Err())
	}
	if err != nil {
		s.state = StateIntro
		s.reason = err.Error()
		return err
	}
	s.data = data
	s.steps = steps
	s.records = s.records[:0]
	s.stepIndex = 0
	s.reason = ""
	s.state = StateExecuting
	s.log.Debug("macro loaded", zap.Int("steps", len(steps)))
	return nil
}

// RunStep executes the current step's pipeline. Success advances the
// index; reaching the end completes the run and invalidates derived
// read caches once. A step failure keeps the run in executing at the
// same index so the user can retry that step.
func (s *Sequencer) RunStep(ctx context.Context) (*pipeline.TransactionRecord, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, nil
	}
	if s.state != StateExecuting {
		s.mu.Unlock()
		return nil, clierr.New(clierr.KindValidation, "macro is not executing")
	}
	index := s.stepIndex
	step := s.steps[index]
	s.running = true
	s.mu.Unlock()

	record, err := s.execute(ctx, index, step)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.state != StateExecuting {
		// Aborted while the step was in flight; the run's verdict
		// already stands.
		return record, clierr.New(clierr.KindUserAborted, "macro aborted")
	}
	if ctx.Err() != nil && record == nil {
		return nil, clierr.Wrap(clierr.KindUserAborted, "macro step abandoned", ctx.Err())
	}
	if err != nil {
		s.log.Debug("macro step failed", zap.Int("step", index), zap.Error(err))
		return record, err
	}
	s.records = append(s.records, record)
	s.stepIndex++
	if s.stepIndex >= len(s.steps) {
		s.state = StateCompleted
		s.invalidateOnce()
	}
	return record, nil
}

// Abort ends the run before all steps succeeded. State may have
// partially changed, so derived caches are invalidated here too. The
// distinct aborted verdict tells callers this is not completion.
func (s *Sequencer) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCompleted, StateAborted:
		return clierr.New(clierr.KindValidation, "macro run already ended")
	case StateExecuting:
		s.state = StateAborted
		s.invalidateOnce()
		return nil
	default:
		s.state = StateAborted
		return nil
	}
}

// Refresh drops cached read data and re-runs fetch + generate to
// recompute the step count, without entering executing. Only available
// before the run starts executing.
func (s *Sequencer) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return 0, nil
	}
	if s.state != StateIntro && s.state != StateLoading {
		s.mu.Unlock()
		return 0, clierr.New(clierr.KindValidation, "refresh is only available before execution")
	}
	s.loading = true
	s.mu.Unlock()

	if s.dropReads != nil {
		s.dropReads()
	}
	data, steps, err := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if ctx.Err() != nil {
		return 0, clierr.Wrap(clierr.KindUserAborted, "macro refresh abandoned", ctx.Err())
	}
	if err != nil {
		s.reason = err.Error()
		return 0, err
	}
	s.data = data
	s.steps = steps
	s.reason = ""
	s.state = StateIntro
	return len(steps), nil
}

func (s *Sequencer) load(ctx context.Context) (any, []pipeline.OperationDescriptor, error) {
	data, err := s.fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.validate != nil {
		if err := s.validate(data); err != nil {
			return nil, nil, err
		}
	}
	steps, err := s.generate(data)
	if err != nil {
		return nil, nil, err
	}
	if len(steps) == 0 {
		return nil, nil, clierr.New(clierr.KindValidation, "macro generated no operations")
	}
	return data, steps, nil
}

func (s *Sequencer) invalidateOnce() {
	if s.invalidated || s.invalidate == nil {
		return
	}
	s.invalidated = true
	s.invalidate()
}
