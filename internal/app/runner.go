package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mpetrun5/txpilot/internal/chain"
	"github.com/mpetrun5/txpilot/internal/config"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/history"
	"github.com/mpetrun5/txpilot/internal/logger"
	"github.com/mpetrun5/txpilot/internal/model"
	"github.com/mpetrun5/txpilot/internal/out"
	"github.com/mpetrun5/txpilot/internal/pipeline"
	"github.com/mpetrun5/txpilot/internal/readcache"
	"github.com/mpetrun5/txpilot/internal/signer"
	"github.com/mpetrun5/txpilot/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	log         *zap.Logger
	registry    *chain.Registry
	conns       *chain.ConnectionCache
	bindings    *chain.BindingCache
	reads       *readcache.Cache
	keys        signer.Accessor
	history     *history.Store
	estimator   *pipeline.Estimator
	submitter   *pipeline.Submitter
	root        *cobra.Command
	lastCommand string
}

func (r *Runner) Run(args []string) int {
	return r.RunContext(context.Background(), args)
}

// RunContext executes the CLI under ctx. Cancelling ctx (SIGINT from
// main) aborts in-flight pipeline work with a user-aborted verdict.
func (r *Runner) RunContext(ctx context.Context, args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	state.shutdown()
	if err == nil {
		return 0
	}
	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) shutdown() {
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.conns != nil {
		s.conns.Clear()
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Contract write-operation pilot for EVM chains",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.KindValidation, "load configuration", err)
			}
			s.settings = settings
			s.log = logger.New(settings.Verbose)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path

			s.registry = chain.NewRegistry()
			if err := s.registry.LoadCustom(settings.NetworksPath); err != nil {
				return err
			}
			s.conns = chain.NewConnectionCache(settings.ConnectionCapacity, nil, s.log)
			s.keys = signer.EnvAccessor()
			s.bindings = chain.NewBindingCache(settings.BindingCapacity, s.conns, s.keys, s.log)
			s.reads = readcache.New(settings.ReadCacheTTL, s.log)
			s.estimator = pipeline.NewEstimator(pipeline.EstimateOptions{GasMultiplier: settings.GasMultiplier}, s.log)
			s.submitter = pipeline.NewSubmitter(pipeline.SubmitOptions{
				PollInterval:   settings.PollInterval,
				ReceiptTimeout: settings.ReceiptTimeout,
			}, s.log)

			if settings.HistoryEnabled && shouldOpenHistory(path) && s.history == nil {
				store, err := history.Open(settings.HistoryPath, settings.HistoryLockPath)
				if err != nil {
					return clierr.Wrap(clierr.KindInternal, "open transaction history", err)
				}
				s.history = store
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.KindValidation, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().BoolVarP(&s.flags.Verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&s.flags.Network, "network", "", "Network key (built-in or from the networks file)")
	cmd.PersistentFlags().Float64Var(&s.flags.GasMultiplier, "gas-multiplier", 0, "Gas limit padding multiplier")
	cmd.PersistentFlags().StringVar(&s.flags.PollInterval, "poll-interval", "", "Receipt poll interval")
	cmd.PersistentFlags().StringVar(&s.flags.ReceiptTimeout, "receipt-timeout", "", "Receipt wait upper bound")
	cmd.PersistentFlags().BoolVar(&s.flags.NoHistory, "no-history", false, "Disable transaction history persistence")
	cmd.PersistentFlags().BoolVarP(&s.flags.Yes, "yes", "y", false, "Skip interactive confirmations")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newCallCommand())
	cmd.AddCommand(s.newApproveCommand())
	cmd.AddCommand(s.newMacroCommand())
	cmd.AddCommand(s.newBalanceCommand())
	cmd.AddCommand(s.newCacheCommand())
	cmd.AddCommand(s.newNetworksCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}

// resolveNetwork applies the flag/config default when the command did not
// name a network explicitly.
func (s *runtimeState) resolveNetwork(key string) (chain.NetworkConfig, error) {
	if strings.TrimSpace(key) == "" {
		key = s.settings.DefaultNetwork
	}
	return s.registry.Resolve(key)
}

// signerKey resolves the configured wallet key.
func (s *runtimeState) signerKey() (*signer.Key, error) {
	if s.keys == nil {
		return nil, clierr.New(clierr.KindWallet, "no wallet configured")
	}
	return s.keys()
}

// saveRecord persists the transaction if history is enabled. Persistence
// failures are logged, never surfaced: the broadcast already happened and
// the caller must still see the hash.
func (s *runtimeState) saveRecord(record *pipeline.TransactionRecord) {
	if record == nil || s.history == nil {
		return
	}
	if err := s.history.Save(record); err != nil {
		s.log.Warn("persist transaction record", zap.String("id", record.ID), zap.Error(err))
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any) error {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Error:   nil,
		Meta: model.EnvelopeMeta{
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error: &model.ErrorBody{
			Kind:    string(clierr.KindOf(err)),
			Message: message,
		},
		Meta: model.EnvelopeMeta{
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

// explorerTxURL builds the block-explorer link for a broadcast hash, when
// the network declares an explorer.
func explorerTxURL(cfg chain.NetworkConfig, hash string) string {
	if strings.TrimSpace(cfg.ExplorerURL) == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(cfg.ExplorerURL, "/") + "/tx/" + hash
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.KindValidation, "invalid command input", err)
	}
	return clierr.Wrap(clierr.KindInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func shouldOpenHistory(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "call submit", "approve run", "macro run", "history list", "history show":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}
