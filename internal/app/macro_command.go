package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mpetrun5/txpilot/internal/approval"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/macro"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"github.com/mpetrun5/txpilot/internal/readcache"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// macroStep is one operation in a plan file.
type macroStep struct {
	Contract     string   `yaml:"contract"`
	ABI          string   `yaml:"abi"`
	Method       string   `yaml:"method"`
	Args         []string `yaml:"args"`
	Value        string   `yaml:"value"`
	SpendToken   string   `yaml:"spend_token"`
	SpendSpender string   `yaml:"spend_spender"`
	SpendAmount  string   `yaml:"spend_amount"`

	parsedABI abi.ABI
}

type macroPlan struct {
	Network string      `yaml:"network"`
	Steps   []macroStep `yaml:"steps"`

	cfg   chain.NetworkConfig
	owner common.Address
}

func (s *runtimeState) newMacroCommand() *cobra.Command {
	root := &cobra.Command{Use: "macro", Short: "Run multi-step operation sequences from a plan file"}

	var planPath string
	var refresh bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load a plan file and execute its steps in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !s.settings.AutoConfirm {
				return clierr.New(clierr.KindValidation, "macros broadcast transactions; re-run with --yes to confirm")
			}
			ctx := cmd.Context()
			seq := s.newPlanSequencer(planPath)

			if refresh {
				if _, err := seq.Refresh(ctx); err != nil {
					return err
				}
			}
			if err := seq.Start(ctx); err != nil {
				return err
			}
			for seq.State() == macro.StateExecuting {
				if _, err := seq.RunStep(ctx); err != nil {
					if ctx.Err() != nil {
						_ = seq.Abort()
					}
					// The snapshot still carries every record that landed;
					// surface it on stdout before failing.
					_ = s.emitSuccess(trimRootPath(cmd.CommandPath()), seq.Snapshot())
					return err
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), seq.Snapshot())
		},
	}
	runCmd.Flags().StringVar(&planPath, "plan", "", "Path to the YAML plan file")
	runCmd.Flags().BoolVar(&refresh, "refresh", false, "Drop cached reads and re-fetch plan data before executing")
	_ = runCmd.MarkFlagRequired("plan")

	var refreshPath string
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Drop cached reads, re-fetch plan data and report the step count",
		RunE: func(cmd *cobra.Command, args []string) error {
			seq := s.newPlanSequencer(refreshPath)
			count, err := seq.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{
				"state": seq.State(),
				"steps": count,
			})
		},
	}
	refreshCmd.Flags().StringVar(&refreshPath, "plan", "", "Path to the YAML plan file")
	_ = refreshCmd.MarkFlagRequired("plan")

	root.AddCommand(runCmd)
	root.AddCommand(refreshCmd)
	return root
}

// newPlanSequencer wires a sequencer around a plan file. The fetched plan
// is shared between the load and execute closures.
func (s *runtimeState) newPlanSequencer(planPath string) *macro.Sequencer {
	var plan *macroPlan
	return macro.NewSequencer(macro.Config{
		Fetch: func(ctx context.Context) (any, error) {
			loaded, err := s.loadMacroPlan(ctx, planPath)
			if err != nil {
				return nil, err
			}
			plan = loaded
			return loaded, nil
		},
		Validate: func(data any) error {
			return s.validateMacroPlan(data.(*macroPlan))
		},
		Generate: func(data any) ([]pipeline.OperationDescriptor, error) {
			return generateMacroSteps(data.(*macroPlan))
		},
		Execute: func(ctx context.Context, step int, d pipeline.OperationDescriptor) (*pipeline.TransactionRecord, error) {
			return s.executeMacroStep(ctx, plan, step, d)
		},
		Invalidate: s.reads.Invalidate,
		DropReads:  s.reads.Invalidate,
		Log:        s.log,
	})
}

// loadMacroPlan parses the plan file and runs the aggregate balance
// preflight for every spending step, caching positions for the run.
func (s *runtimeState) loadMacroPlan(ctx context.Context, path string) (*macroPlan, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "read plan file", err)
	}
	var plan macroPlan
	if err := yaml.Unmarshal(buf, &plan); err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "parse plan file", err)
	}

	network := plan.Network
	if network == "" {
		network = s.flags.Network
	}
	cfg, err := s.resolveNetwork(network)
	if err != nil {
		return nil, err
	}
	plan.cfg = cfg

	key, err := s.signerKey()
	if err != nil {
		return nil, err
	}
	plan.owner = key.Address()

	for i := range plan.Steps {
		step := &plan.Steps[i]
		step.parsedABI, err = loadABI(step.ABI)
		if err != nil {
			return nil, clierr.Wrap(clierr.KindValidation, fmt.Sprintf("step %d", i+1), err)
		}
		if step.SpendToken == "" {
			continue
		}
		if err := s.preflightTokenPosition(ctx, cfg, *step, plan.owner); err != nil {
			return nil, clierr.Wrap(clierr.KindOf(err), fmt.Sprintf("step %d preflight", i+1), err)
		}
	}
	return &plan, nil
}

// preflightTokenPosition reads balance and allowance for a spending step
// in one aggregate call, through the read cache.
func (s *runtimeState) preflightTokenPosition(ctx context.Context, cfg chain.NetworkConfig, step macroStep, owner common.Address) error {
	if !common.IsHexAddress(step.SpendToken) {
		return clierr.New(clierr.KindValidation, "spend_token must be a hex address")
	}
	token := common.HexToAddress(step.SpendToken)
	balanceKey := readcache.BalanceKey(cfg.CacheKey(), token.Hex(), owner.Hex())
	if _, ok := s.reads.GetBig(balanceKey); ok {
		return nil
	}

	client, err := s.conns.Get(ctx, cfg)
	if err != nil {
		return err
	}
	spender := step.SpendSpender
	if spender == "" {
		spender = step.Contract
	}
	if !common.IsHexAddress(spender) {
		return clierr.New(clierr.KindValidation, "spend_spender must be a hex address")
	}
	position, err := chain.ReadTokenPosition(ctx, client, cfg, token, owner, common.HexToAddress(spender))
	if err != nil {
		return err
	}
	s.reads.SetBig(balanceKey, position.Balance)
	return nil
}

// validateMacroPlan rejects plans the sequencer cannot run: empty or
// malformed steps, or spending steps the wallet's balances cannot cover.
func (s *runtimeState) validateMacroPlan(plan *macroPlan) error {
	if len(plan.Steps) == 0 {
		return clierr.New(clierr.KindValidation, "plan file contains no steps")
	}
	for i, step := range plan.Steps {
		if !common.IsHexAddress(step.Contract) {
			return clierr.New(clierr.KindValidation, fmt.Sprintf("step %d: invalid contract address", i+1))
		}
		if step.Method == "" {
			return clierr.New(clierr.KindValidation, fmt.Sprintf("step %d: missing method", i+1))
		}
		if step.SpendToken == "" {
			continue
		}
		amount, err := parseWei(step.SpendAmount)
		if err != nil || amount == nil {
			return clierr.New(clierr.KindValidation, fmt.Sprintf("step %d: spend_amount must be a positive integer", i+1))
		}
		token := common.HexToAddress(step.SpendToken)
		balanceKey := readcache.BalanceKey(plan.cfg.CacheKey(), token.Hex(), plan.owner.Hex())
		balance, ok := s.reads.GetBig(balanceKey)
		if !ok {
			return clierr.New(clierr.KindNetwork, fmt.Sprintf("step %d: token balance could not be read", i+1))
		}
		if balance.Cmp(amount) < 0 {
			return clierr.New(clierr.KindValidation,
				fmt.Sprintf("step %d: balance %s does not cover spend amount %s", i+1, balance, amount))
		}
	}
	return nil
}

func generateMacroSteps(plan *macroPlan) ([]pipeline.OperationDescriptor, error) {
	descriptors := make([]pipeline.OperationDescriptor, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		args, err := coerceArgs(step.parsedABI, step.Method, step.Args)
		if err != nil {
			return nil, clierr.Wrap(clierr.KindOf(err), fmt.Sprintf("step %d", i+1), err)
		}
		value, err := parseWei(step.Value)
		if err != nil {
			return nil, clierr.Wrap(clierr.KindValidation, fmt.Sprintf("step %d", i+1), err)
		}
		descriptors = append(descriptors, pipeline.OperationDescriptor{
			Method: step.Method,
			Args:   args,
			Value:  value,
			Prefilled: map[string]string{
				"contract": step.Contract,
				"step":     fmt.Sprintf("%d", i+1),
			},
		})
	}
	return descriptors, nil
}

// executeMacroStep drives one plan step through the full pipeline,
// including the approval gate for spending steps.
func (s *runtimeState) executeMacroStep(ctx context.Context, plan *macroPlan, index int, d pipeline.OperationDescriptor) (*pipeline.TransactionRecord, error) {
	step := plan.Steps[index]
	binding, err := s.bindings.Get(ctx, plan.cfg, step.Contract, step.parsedABI, chain.ModeSigning)
	if err != nil {
		return nil, err
	}

	var gate pipeline.ApprovalGate
	if approval.RequiresAllowance(step.Method) && step.SpendToken != "" {
		amount, err := parseWei(step.SpendAmount)
		if err != nil {
			return nil, err
		}
		spender := step.SpendSpender
		if spender == "" {
			spender = step.Contract
		}
		orch := approval.New(step.Method, plan.cfg, approval.Params{
			Token:   common.HexToAddress(step.SpendToken),
			Spender: common.HexToAddress(spender),
			Owner:   plan.owner,
			Amount:  amount,
		}, approval.Deps{
			Bindings:  s.bindings,
			Estimator: s.estimator,
			Submitter: s.submitter,
			Log:       s.log,
		})
		if _, err := orch.EstimateSpending(ctx); err != nil {
			return nil, err
		}
		if !orch.Ready() {
			approvalRecord, err := orch.Approve(ctx)
			s.saveRecord(approvalRecord)
			if err != nil {
				return approvalRecord, err
			}
		}
		gate = orch
	}

	p := pipeline.New(binding, d, gate, s.estimator, s.submitter, s.log)
	if _, err := p.Estimate(ctx); err != nil {
		return nil, err
	}
	record, err := p.Submit(ctx, true)
	s.saveRecord(record)
	return record, err
}
