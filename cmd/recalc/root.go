package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-recalc/packages/config"
	"github.com/vogtb/go-recalc/packages/logging"
	"github.com/vogtb/go-recalc/packages/workbook"
)

// app is the state shared by subcommands once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Replay workbook scripts against the recalculation engine",
		Long: `recalc loads YAML workbook scripts, applies their steps to a fresh workbook
and prints what the script reads.

Examples:
  recalc run sales.yaml        # Replay one script
  recalc run a.yaml b.yaml     # Replay several scripts in parallel
  recalc graph sales.yaml      # Show formulas and their precedents`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	cmd.AddCommand(newRunCmd(a), newGraphCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  logging.Format(cfg.Log.Format),
		Output:  cmd.ErrOrStderr(),
		Service: "recalc",
	})
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) newWorkbook(logger *slog.Logger) *workbook.Workbook {
	return workbook.New(
		workbook.WithLogger(logger),
		workbook.WithIndexOptions(a.cfg.Index),
		workbook.WithFormulaCacheSize(a.cfg.Formula.CacheSize),
	)
}
