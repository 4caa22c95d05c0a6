// Package cli implements the roguepatch command line.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/asynkron/roguepatch/internal/config"
	"github.com/asynkron/roguepatch/internal/core/engine"
)

// Run executes roguepatch with the provided CLI arguments and returns a
// POSIX-style exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return run(ctx, args, streams{in: os.Stdin, out: stdout, err: stderr}, os.Getenv)
}

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// exitError carries a specific exit code. Its message has already been
// printed when silent is set.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func run(ctx context.Context, args []string, s streams, getenv func(string) string) int {
	if s.in == nil {
		s.in = bytes.NewReader(nil)
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.err == nil {
		s.err = io.Discard
	}

	if err := godotenv.Load(); err != nil {
		// A missing .env file is fine, but other errors should be surfaced to help with debugging.
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(s.err, "failed to load .env: %v\n", err)
			return 1
		}
	}

	a := &app{streams: s, getenv: getenv}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			if !exit.silent {
				fmt.Fprintf(s.err, "error: %v\n", exit)
			}
			return exit.code
		}
		fmt.Fprintf(s.err, "error: %v\n", err)
		return 1
	}
	return 0
}

type app struct {
	streams
	getenv func(string) string

	rootDir    string
	configFile string
	noColor    bool

	eng    *engine.Engine
	styles styles
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roguepatch",
		Short:         "Apply unified diffs safely and roll them back from snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.styles = newStyles(a.out, a.noColor)
		},
	}
	cmd.PersistentFlags().StringVar(&a.rootDir, "root", "", "source root (defaults to $CODE_ROOT or the working directory)")
	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file (defaults to $ROGUE_CONFIG or .roguepatch.yaml in the root)")
	cmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return exitError{code: 2, err: fmt.Errorf("%w\n%s", err, c.UsageString())}
	})

	cmd.AddCommand(
		a.applyCommand(),
		a.previewCommand(),
		a.parseCommand(),
		a.wrapCommand(),
		a.snapshotCommand(),
		a.serveCommand(),
	)
	return cmd
}

// engine loads configuration and builds the Engine on first use. The --root
// flag takes precedence over CODE_ROOT so that the default config file is
// looked up in the right directory.
func (a *app) engine() (*engine.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	getenv := func(key string) string {
		if key == config.EnvRoot && a.rootDir != "" {
			return a.rootDir
		}
		if a.getenv == nil {
			return ""
		}
		return a.getenv(key)
	}
	cfg, err := config.Load(config.Source{Getenv: getenv, File: a.configFile})
	if err != nil {
		return nil, err
	}
	logger := engine.NewStdLogger(engine.ParseLogLevel(cfg.LogLevel), a.err)
	eng, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	a.eng = eng
	return eng, nil
}

// readInput returns the contents of the named file, or stdin for "" and "-".
func (a *app) readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(a.in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read patch: %w", err)
	}
	return string(data), nil
}
