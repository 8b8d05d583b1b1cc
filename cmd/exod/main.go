package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exolink/pkg/config"
	"exolink/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		var usage usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

type usageError struct{ error }

func newRootCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "exod",
		Short: "Exoskeleton sensor link daemon",
		Long: `exod receives the exoskeleton rig's sensor stream over TCP or serial,
negotiates the channel layout, validates every frame and fans the packets out
to recorders, live plots and brokers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "config file (.toml, .yaml or .yml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format override (text, json)")
	pf.StringVar(&opts.logFile, "log-file", "", "write diagnostics to this file instead of stderr")

	root.AddCommand(
		newServeCmd(opts),
		newSimCmd(opts),
		newReplayCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig reads the config file and applies the persistent overrides.
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

// newLogger builds the diagnostic logger. quiet drops output unless a log
// file was given, for commands that own the terminal.
func (o *globalOptions) newLogger(cfg config.Config, stderr io.Writer, quiet bool) (*logrus.Logger, func(), error) {
	out := stderr
	closeFn := func() {}
	switch {
	case o.logFile != "":
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open log file")
		}
		out = f
		closeFn = func() { _ = f.Close() }
	case quiet:
		out = io.Discard
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, out)
	if err != nil {
		closeFn()
		return nil, nil, usageError{err}
	}
	return log, closeFn, nil
}
