package app

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mpetrun5/txpilot/internal/approval"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"github.com/spf13/cobra"
)

type approveFlags struct {
	token   string
	spender string
	owner   string
	amount  string
	method  string
}

type approveResult struct {
	State    approval.State              `json:"state"`
	Required string                      `json:"required_allowance,omitempty"`
	Record   *pipeline.TransactionRecord `json:"record,omitempty"`
	Explorer string                      `json:"explorer_url,omitempty"`
}

type approveStatusResult struct {
	Token         string `json:"token"`
	Spender       string `json:"spender"`
	Owner         string `json:"owner"`
	Allowance     string `json:"allowance"`
	Required      string `json:"required"`
	NeedsApproval bool   `json:"needs_approval"`
}

func (s *runtimeState) newApproveCommand() *cobra.Command {
	root := &cobra.Command{Use: "approve", Short: "Token allowance pre-flight for spending operations"}

	var statusFlags approveFlags
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Read the current allowance without starting the approval flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, params, err := s.approveParams(statusFlags)
			if err != nil {
				return err
			}
			client, err := s.conns.Get(ctx, cfg)
			if err != nil {
				return err
			}
			position, err := chain.ReadTokenPosition(ctx, client, cfg, params.Token, params.Owner, params.Spender)
			if err != nil {
				return err
			}
			result := approveStatusResult{
				Token:         params.Token.Hex(),
				Spender:       params.Spender.Hex(),
				Owner:         params.Owner.Hex(),
				Allowance:     position.Allowance.String(),
				Required:      params.Amount.String(),
				NeedsApproval: position.Allowance.Cmp(params.Amount) < 0,
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}
	addApproveFlags(statusCmd, &statusFlags)

	var estFlags approveFlags
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Read the current allowance and report whether a grant is needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := s.buildOrchestrator(estFlags)
			if err != nil {
				return err
			}
			required, err := orch.EstimateSpending(cmd.Context())
			if err != nil {
				return err
			}
			result := approveResult{State: orch.State()}
			if required != nil {
				result.Required = required.String()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}
	addApproveFlags(estimateCmd, &estFlags)

	var runFlags approveFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Estimate the required allowance and submit the approve transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !s.settings.AutoConfirm {
				return clierr.New(clierr.KindValidation, "approval broadcasts a transaction; re-run with --yes to confirm")
			}
			ctx := cmd.Context()
			orch, cfg, err := s.buildOrchestrator(runFlags)
			if err != nil {
				return err
			}
			if _, err := orch.EstimateSpending(ctx); err != nil {
				return err
			}
			if orch.State() == approval.StateApproved {
				// Existing grant already covers the amount.
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), approveResult{State: orch.State()})
			}
			record, err := orch.Approve(ctx)
			s.saveRecord(record)
			if err != nil {
				return err
			}
			result := approveResult{State: orch.State(), Record: record}
			if required := orch.RequiredAmount(); required != nil {
				result.Required = required.String()
			}
			if record != nil {
				result.Explorer = explorerTxURL(cfg, record.Hash)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}
	addApproveFlags(runCmd, &runFlags)

	root.AddCommand(statusCmd)
	root.AddCommand(estimateCmd)
	root.AddCommand(runCmd)
	return root
}

func addApproveFlags(cmd *cobra.Command, f *approveFlags) {
	cmd.Flags().StringVar(&f.token, "token", "", "ERC-20 token address")
	cmd.Flags().StringVar(&f.spender, "spender", "", "Contract granted the allowance")
	cmd.Flags().StringVar(&f.owner, "owner", "", "Token owner (defaults to the configured wallet)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Required allowance, in token base units")
	cmd.Flags().StringVar(&f.method, "method", "transferFrom", "Spending method the allowance is for")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("spender")
	_ = cmd.MarkFlagRequired("amount")
}

// approveParams validates the shared allowance flags and resolves the
// network and owner.
func (s *runtimeState) approveParams(f approveFlags) (chain.NetworkConfig, approval.Params, error) {
	cfg, err := s.resolveNetwork(s.flags.Network)
	if err != nil {
		return chain.NetworkConfig{}, approval.Params{}, err
	}
	if !common.IsHexAddress(f.token) {
		return chain.NetworkConfig{}, approval.Params{}, clierr.New(clierr.KindValidation, "--token must be a hex address")
	}
	if !common.IsHexAddress(f.spender) {
		return chain.NetworkConfig{}, approval.Params{}, clierr.New(clierr.KindValidation, "--spender must be a hex address")
	}
	amount, ok := new(big.Int).SetString(f.amount, 0)
	if !ok || amount.Sign() <= 0 {
		return chain.NetworkConfig{}, approval.Params{}, clierr.New(clierr.KindValidation, "--amount must be a positive integer")
	}
	owner, err := s.resolveOwner(f.owner)
	if err != nil {
		return chain.NetworkConfig{}, approval.Params{}, err
	}
	return cfg, approval.Params{
		Token:   common.HexToAddress(f.token),
		Spender: common.HexToAddress(f.spender),
		Owner:   owner,
		Amount:  amount,
	}, nil
}

func (s *runtimeState) buildOrchestrator(f approveFlags) (*approval.Orchestrator, chain.NetworkConfig, error) {
	if !approval.RequiresAllowance(f.method) {
		return nil, chain.NetworkConfig{}, clierr.New(clierr.KindValidation, "method "+f.method+" does not spend tokens; no allowance is needed")
	}
	cfg, params, err := s.approveParams(f)
	if err != nil {
		return nil, chain.NetworkConfig{}, err
	}
	return approval.New(f.method, cfg, params, approval.Deps{
		Bindings:  s.bindings,
		Estimator: s.estimator,
		Submitter: s.submitter,
		Log:       s.log,
	}), cfg, nil
}

// resolveOwner defaults the allowance owner to the configured wallet
// address when no explicit owner was given.
func (s *runtimeState) resolveOwner(flag string) (common.Address, error) {
	if flag != "" {
		if !common.IsHexAddress(flag) {
			return common.Address{}, clierr.New(clierr.KindValidation, "--owner must be a hex address")
		}
		return common.HexToAddress(flag), nil
	}
	key, err := s.signerKey()
	if err != nil {
		return common.Address{}, err
	}
	return key.Address(), nil
}
