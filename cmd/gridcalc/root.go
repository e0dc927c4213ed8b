package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.alis.build/alog"

	"github.com/vogtb/go-spreadsheet/packages/config"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath      string
	logLevel        string
	sandboxURL      string
	iterationFactor int
	jsonOutput      bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:               "gridcalc",
	Short:             "Recalculate spreadsheets with formula, python and javascript cells",
	Version:           Version,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $GRIDCALC_CONFIG_DIR/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warning, error (env: GRIDCALC_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&sandboxURL, "sandbox-url", "", "Websocket URL of the code sandbox (env: GRIDCALC_SANDBOX_URL)")
	rootCmd.PersistentFlags().IntVar(&iterationFactor, "iteration-factor", 0, "Recalculation budget per dirty cell before a cascade is treated as cyclic")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-formatted summaries")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	alog.SetLevel(level)
	return nil
}

// applyFlags overrides cfg with the flags set on the command line. An
// explicitly empty --sandbox-url disables a sandbox from the config file.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("sandbox-url") {
		cfg.Sandbox.URL = sandboxURL
	}
	if flags.Changed("iteration-factor") {
		cfg.IterationFactor = iterationFactor
	}
	return cfg.Validate()
}

// documentFactory returns a constructor for documents configured from cfg
// and a func releasing the shared sandbox connection.
func documentFactory() (func() *spreadsheet.Document, func(), error) {
	var remote spreadsheet.Runner
	release := func() {}
	if sb := cfg.SandboxRunner(); sb != nil {
		remote = sb
		release = func() { _ = sb.Close() }
	}
	opts, err := cfg.DocumentOptions(remote)
	if err != nil {
		release()
		return nil, nil, err
	}
	return func() *spreadsheet.Document { return spreadsheet.NewDocument(opts...) }, release, nil
}

func Execute() error {
	return rootCmd.Execute()
}
