package app

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/readcache"
	"github.com/spf13/cobra"
)

type balanceResult struct {
	Network   string `json:"network"`
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender,omitempty"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance,omitempty"`
	Cached    bool   `json:"cached"`
}

func (s *runtimeState) newBalanceCommand() *cobra.Command {
	var token, owner, spender string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Read a token balance (and allowance) via the batch-call contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := s.resolveNetwork(s.flags.Network)
			if err != nil {
				return err
			}
			if !common.IsHexAddress(token) {
				return clierr.New(clierr.KindValidation, "--token must be a hex address")
			}
			ownerAddr, err := s.resolveOwner(owner)
			if err != nil {
				return err
			}

			result := balanceResult{
				Network: cfg.CacheKey(),
				Token:   common.HexToAddress(token).Hex(),
				Owner:   ownerAddr.Hex(),
			}

			balanceKey := readcache.BalanceKey(cfg.CacheKey(), result.Token, result.Owner)
			if spender == "" {
				if cached, ok := s.reads.GetBig(balanceKey); ok {
					result.Balance = cached.String()
					result.Cached = true
					return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
				}
			}

			spenderAddr := ownerAddr
			if spender != "" {
				if !common.IsHexAddress(spender) {
					return clierr.New(clierr.KindValidation, "--spender must be a hex address")
				}
				spenderAddr = common.HexToAddress(spender)
				result.Spender = spenderAddr.Hex()
			}

			client, err := s.conns.Get(ctx, cfg)
			if err != nil {
				return err
			}
			position, err := chain.ReadTokenPosition(ctx, client, cfg, common.HexToAddress(token), ownerAddr, spenderAddr)
			if err != nil {
				return err
			}
			s.reads.SetBig(balanceKey, position.Balance)

			result.Balance = position.Balance.String()
			if spender != "" {
				result.Allowance = position.Allowance.String()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "ERC-20 token address")
	cmd.Flags().StringVar(&owner, "owner", "", "Holder address (defaults to the configured wallet)")
	cmd.Flags().StringVar(&spender, "spender", "", "Also read the (owner, spender) allowance")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
