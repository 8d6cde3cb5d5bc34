package app

import (
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	root := &cobra.Command{Use: "history", Short: "Browse persisted transaction records"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.history == nil {
				return clierr.New(clierr.KindValidation, "transaction history is disabled")
			}
			records, err := s.history.List(limit)
			if err != nil {
				return clierr.Wrap(clierr.KindInternal, "list transaction history", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), records)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to return")

	showCmd := &cobra.Command{
		Use:   "show <id-or-hash>",
		Short: "Show one transaction record by id or hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.history == nil {
				return clierr.New(clierr.KindValidation, "transaction history is disabled")
			}
			record, err := s.history.Get(args[0])
			if err != nil {
				return clierr.Wrap(clierr.KindValidation, "look up transaction", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record)
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	return root
}
