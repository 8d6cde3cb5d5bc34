package app

import (
	"github.com/mpetrun5/txpilot/internal/model"
	"github.com/spf13/cobra"
)

type cacheStatsResult struct {
	Connections model.CacheStats `json:"connections"`
	Bindings    model.CacheStats `json:"bindings"`
	Reads       int              `json:"read_entries"`
}

func (s *runtimeState) newCacheCommand() *cobra.Command {
	root := &cobra.Command{Use: "cache", Short: "Inspect and reset the connection, binding and read caches"}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Report cache capacities, sizes and keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			result := cacheStatsResult{
				Connections: s.conns.Stats(),
				Bindings:    s.bindings.Stats(),
				Reads:       s.reads.Len(),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Close all cached connections and drop all cached state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.bindings.Clear()
			s.conns.Clear()
			s.reads.Invalidate()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]string{"status": "cleared"})
		},
	}

	root.AddCommand(statsCmd)
	root.AddCommand(clearCmd)
	return root
}
