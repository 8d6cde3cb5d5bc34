package app

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mpetrun5/txpilot/internal/approval"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"github.com/spf13/cobra"
)

type submitResult struct {
	pipeline.Snapshot
	Explorer string `json:"explorer_url,omitempty"`
}

type callFlags struct {
	contract     string
	abiSpec      string
	method       string
	args         []string
	value        string
	spendToken   string
	spendSpender string
	spendAmount  string
	noWait       bool
}

func (s *runtimeState) newCallCommand() *cobra.Command {
	root := &cobra.Command{Use: "call", Short: "Estimate and submit contract write operations"}

	var estFlags callFlags
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Simulate the operation and estimate its gas cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := s.buildPipeline(cmd.Context(), estFlags)
			if err != nil {
				return err
			}
			if _, err := p.Estimate(cmd.Context()); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), p.Snapshot())
		},
	}
	addCallFlags(estimateCmd, &estFlags)

	var subFlags callFlags
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Estimate, sign, broadcast and await the operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !s.settings.AutoConfirm {
				return clierr.New(clierr.KindValidation, "submission broadcasts a transaction; re-run with --yes to confirm")
			}
			ctx := cmd.Context()
			p, gate, err := s.buildPipeline(ctx, subFlags)
			if err != nil {
				return err
			}
			if gate != nil && !gate.Ready() {
				approvalRecord, err := gate.Approve(ctx)
				s.saveRecord(approvalRecord)
				if err != nil {
					return err
				}
			}
			if _, err := p.Estimate(ctx); err != nil {
				return err
			}
			record, err := p.Submit(ctx, !subFlags.noWait)
			s.saveRecord(record)
			if err != nil {
				return err
			}
			result := submitResult{Snapshot: p.Snapshot()}
			if cfg, cfgErr := s.resolveNetwork(s.flags.Network); cfgErr == nil && record != nil {
				result.Explorer = explorerTxURL(cfg, record.Hash)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}
	addCallFlags(submitCmd, &subFlags)
	submitCmd.Flags().BoolVar(&subFlags.noWait, "no-wait", false, "Return after broadcast without awaiting the receipt")

	root.AddCommand(estimateCmd)
	root.AddCommand(submitCmd)
	return root
}

func addCallFlags(cmd *cobra.Command, f *callFlags) {
	cmd.Flags().StringVar(&f.contract, "contract", "", "Contract address")
	cmd.Flags().StringVar(&f.abiSpec, "abi", "", "Contract interface: erc20 or a path to an ABI JSON file")
	cmd.Flags().StringVar(&f.method, "method", "", "Method name to invoke")
	cmd.Flags().StringArrayVar(&f.args, "arg", nil, "Method argument (repeat per parameter, in order)")
	cmd.Flags().StringVar(&f.value, "value", "", "Native currency to attach, in wei")
	cmd.Flags().StringVar(&f.spendToken, "spend-token", "", "Token the operation spends (enables the approval pre-flight)")
	cmd.Flags().StringVar(&f.spendSpender, "spend-spender", "", "Spender granted the allowance (defaults to the contract)")
	cmd.Flags().StringVar(&f.spendAmount, "spend-amount", "", "Allowance the operation needs, in token base units")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("abi")
	_ = cmd.MarkFlagRequired("method")
}

// buildPipeline assembles a one-shot pipeline for the flags: network,
// signing binding, descriptor, and the approval gate when the operation
// spends tokens. The returned orchestrator is nil when no gate applies.
func (s *runtimeState) buildPipeline(ctx context.Context, f callFlags) (*pipeline.Pipeline, *approval.Orchestrator, error) {
	cfg, err := s.resolveNetwork(s.flags.Network)
	if err != nil {
		return nil, nil, err
	}
	contractABI, err := loadABI(f.abiSpec)
	if err != nil {
		return nil, nil, err
	}
	binding, err := s.bindings.Get(ctx, cfg, f.contract, contractABI, chain.ModeSigning)
	if err != nil {
		return nil, nil, err
	}
	callArgs, err := coerceArgs(contractABI, f.method, f.args)
	if err != nil {
		return nil, nil, err
	}
	value, err := parseWei(f.value)
	if err != nil {
		return nil, nil, err
	}
	descriptor := pipeline.OperationDescriptor{Method: f.method, Args: callArgs, Value: value}

	var gate *approval.Orchestrator
	if approval.RequiresAllowance(f.method) && f.spendToken != "" {
		params, err := spendParams(f, binding.From())
		if err != nil {
			return nil, nil, err
		}
		gate = approval.New(f.method, cfg, params, approval.Deps{
			Bindings:  s.bindings,
			Estimator: s.estimator,
			Submitter: s.submitter,
			Log:       s.log,
		})
		if _, err := gate.EstimateSpending(ctx); err != nil {
			return nil, nil, err
		}
	}

	var pipelineGate pipeline.ApprovalGate
	if gate != nil {
		pipelineGate = gate
	}
	return pipeline.New(binding, descriptor, pipelineGate, s.estimator, s.submitter, s.log), gate, nil
}

func spendParams(f callFlags, owner common.Address) (approval.Params, error) {
	if !common.IsHexAddress(f.spendToken) {
		return approval.Params{}, clierr.New(clierr.KindValidation, "--spend-token must be a hex address")
	}
	spender := f.spendSpender
	if spender == "" {
		spender = f.contract
	}
	if !common.IsHexAddress(spender) {
		return approval.Params{}, clierr.New(clierr.KindValidation, "--spend-spender must be a hex address")
	}
	amount, err := parseWei(f.spendAmount)
	if err != nil {
		return approval.Params{}, err
	}
	if amount == nil {
		return approval.Params{}, clierr.New(clierr.KindValidation, "--spend-amount is required with --spend-token")
	}
	return approval.Params{
		Token:   common.HexToAddress(f.spendToken),
		Spender: common.HexToAddress(spender),
		Owner:   owner,
		Amount:  amount,
	}, nil
}
