// Package cli implements the freshcheck command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/config"
	"github.com/Brownie44l1/freshness-api/internal/logging"
	"github.com/Brownie44l1/freshness-api/internal/model"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// NewRootCommand builds the freshcheck command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: config.New(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:          "freshcheck",
		Short:        "Train and run a fresh/rotten produce classifier",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(a.v, a.cfgFile, nil)
			if err != nil {
				return err
			}
			a.cfg = cfg

			logger, err := logging.Init(cfg.Log.File, cfg.Log.Debug)
			if err != nil {
				return err
			}
			a.logger = logger
			model.SetRuntimeLibrary(cfg.ONNX.LibraryPath)
			model.SetMaxPixels(cfg.Image.MaxPixels)
			if cfg.File != "" {
				logger.Debug("config loaded", zap.String("file", cfg.File))
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().String("log-file", "", "also write JSON logs to this file")
	root.PersistentFlags().String("onnx-lib", "", "path to the onnxruntime shared library")
	root.PersistentFlags().String("db", "", "run ledger database path")
	a.bind(root.PersistentFlags().Lookup("debug"), "log.debug")
	a.bind(root.PersistentFlags().Lookup("log-file"), "log.file")
	a.bind(root.PersistentFlags().Lookup("onnx-lib"), "onnx.library_path")
	a.bind(root.PersistentFlags().Lookup("db"), "store.path")

	root.AddCommand(a.trainCmd())
	root.AddCommand(a.classifyCmd())
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.runsCmd())
	root.AddCommand(a.plotCmd())
	root.AddCommand(a.configCmd())
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	logging.Close()
	if err != nil {
		os.Exit(1)
	}
}

// configKey annotates a flag with the config key it overrides.
const configKey = "freshcheck_config_key"

// bind marks flag as overriding key. Subcommands share keys, so only the
// flags of the command being run are bound, in bindFlags.
func (a *app) bind(flag *pflag.Flag, key string) {
	if flag.Annotations == nil {
		flag.Annotations = map[string][]string{}
	}
	flag.Annotations[configKey] = []string{key}
}

func (a *app) bindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[configKey]; ok && err == nil {
			err = a.v.BindPFlag(keys[0], f)
		}
	})
	return err
}
