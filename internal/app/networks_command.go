package app

import (
	"github.com/mpetrun5/txpilot/internal/model"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	root := &cobra.Command{Use: "networks", Short: "Built-in and custom network configurations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs := s.registry.List()
			infos := make([]model.NetworkInfo, 0, len(configs))
			for _, cfg := range configs {
				infos = append(infos, model.NetworkInfo{
					Key:          cfg.Key,
					Name:         cfg.Name,
					ChainID:      cfg.ChainID,
					RPCURL:       cfg.RPCURL,
					ExplorerURL:  cfg.ExplorerURL,
					NativeSymbol: cfg.Symbol(),
					Multicall:    cfg.Multicall,
					Custom:       cfg.Custom,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show one network configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.registry.Resolve(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.NetworkInfo{
				Key:          cfg.Key,
				Name:         cfg.Name,
				ChainID:      cfg.ChainID,
				RPCURL:       cfg.RPCURL,
				ExplorerURL:  cfg.ExplorerURL,
				NativeSymbol: cfg.Symbol(),
				Multicall:    cfg.Multicall,
				Custom:       cfg.Custom,
			})
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	return root
}
