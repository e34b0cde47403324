// Package cli implements the clickstats admin command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	goflags "github.com/jessevdk/go-flags"
	"github.com/warp/clickstats/app"
	"github.com/warp/clickstats/config"
	"github.com/warp/clickstats/logger"
)

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to YAML config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Log at debug level"`
}

// env is shared by every command: where to write and how to build the App.
type env struct {
	globals *GlobalFlags
	out     io.Writer
	open    func(*GlobalFlags) (*app.App, error)
}

func openApp(g *GlobalFlags) (*app.App, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if g.Verbose {
		level = "debug"
	}
	return app.New(cfg, logger.New(level, cfg.Logging.Format, os.Stderr))
}

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Rollup       *RollupCommand
	Prune        *PruneCommand
	Seed         *SeedCommand
	LimitsList   *LimitsListCommand
	LimitsCreate *LimitsCreateCommand
	LimitsUpdate *LimitsUpdateCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(e *env) (*goflags.Parser, *commands, error) {
	parser := goflags.NewParser(e.globals, goflags.Default)
	parser.Name = "clickstats"
	parser.LongDescription = "Administer click rollups, retention and rate-limit configs."

	cmds := &commands{
		Rollup:       &RollupCommand{env: e},
		Prune:        &PruneCommand{env: e},
		Seed:         &SeedCommand{env: e},
		LimitsList:   &LimitsListCommand{env: e},
		LimitsCreate: &LimitsCreateCommand{env: e},
		LimitsUpdate: &LimitsUpdateCommand{env: e},
	}

	if _, err := parser.AddCommand("rollup", "Roll up a window", "Roll up one explicit window, or every pending hour with --catch-up.", cmds.Rollup); err != nil {
		return nil, nil, err
	}
	if _, err := parser.AddCommand("prune", "Apply retention", "Delete daily rows dated before the cutoff (default: today minus retention.days).", cmds.Prune); err != nil {
		return nil, nil, err
	}
	if _, err := parser.AddCommand("seed", "Create default rate limits", "Create the configured rate limits that do not exist yet.", cmds.Seed); err != nil {
		return nil, nil, err
	}

	limits, err := parser.AddCommand("limits", "Manage rate-limit configs", "List, create and update rate-limit configs.", &struct{}{})
	if err != nil {
		return nil, nil, err
	}
	if _, err := limits.AddCommand("list", "List configs", "List rate-limit configs, optionally for one action.", cmds.LimitsList); err != nil {
		return nil, nil, err
	}
	if _, err := limits.AddCommand("create", "Create a config", "Create the config for an (action, tier) pair.", cmds.LimitsCreate); err != nil {
		return nil, nil, err
	}
	if _, err := limits.AddCommand("update", "Update a config", "Change the limit, window or editor of a config.", cmds.LimitsUpdate); err != nil {
		return nil, nil, err
	}

	return parser, cmds, nil
}

// Run is the main entry point for the CLI using os.Args.
func Run() error {
	return RunWithArgs(nil, os.Stdout)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the
// matched subcommand, writing results to out.
func RunWithArgs(args []string, out io.Writer) error {
	return run(&env{globals: &GlobalFlags{}, out: out, open: openApp}, args)
}

func run(e *env, args []string) error {
	parser, _, err := buildParser(e)
	if err != nil {
		return err
	}

	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		var flagsErr *goflags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == goflags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}
