// Command sparkify-dwh builds the Sparkify songplays star schema in a
// warehouse: it creates the tables, bulk-loads the raw song and event data
// into staging, and fills the fact and dimension tables from it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/config"
)

// EnvHistory selects the run history directory when -history is not given.
const EnvHistory = "DWH_HISTORY"

// EnvPushgateway selects the Pushgateway when -pushgateway is not given.
const EnvPushgateway = "PUSHGATEWAY_URL"

const usage = `usage: sparkify-dwh <command> [flags]

commands:
  create-tables   drop and create every table
  etl             load staging and fill the final tables
  run             create-tables followed by etl
  inspect         sample the final tables (-table t for one)
  serve           serve table samples, run history and metrics over HTTP
  preflight       check the IAM role and the caller's identity
  history         list recorded runs
  statements      print the statements a run would execute (-group g for one)

Run 'sparkify-dwh <command> -h' for the flags of a command.
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the flags every command accepts.
type globals struct {
	configPath  string
	verbose     bool
	pushgateway string
	history     string
}

func (g *globals) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", config.PathFromEnv(), "settings file (INI or YAML); env "+config.EnvConfigPath)
	fs.BoolVar(&g.verbose, "v", false, "verbose development logging")
	fs.StringVar(&g.pushgateway, "pushgateway", os.Getenv(EnvPushgateway), "Pushgateway URL to push run metrics to; env "+EnvPushgateway)
	fs.StringVar(&g.history, "history", os.Getenv(EnvHistory), "run history directory; env "+EnvHistory)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return flag.ErrHelp
	}

	name, args := args[0], args[1:]
	setup, ok := commands[name]
	if !ok {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", name)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var g globals
	g.register(fs)
	action := setup(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments %v", name, fs.Args())
	}

	logger, err := newLogger(g.verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	a := &app{
		globals: g,
		logger:  logger.With(zap.String("command", name)),
		stdout:  stdout,
	}
	return action(ctx, a)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
