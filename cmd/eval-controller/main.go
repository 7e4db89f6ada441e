// Command eval-controller runs the case orchestrator and inspects its state.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	goerrors "github.com/goliatone/go-errors"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/config"
)

var version = "dev"

// Globals are shared by every sub command.
type Globals struct {
	Config   string `short:"c" help:"Path to the YAML configuration file." type:"path" env:"EVAL_CONFIG"`
	LogLevel string `help:"Override log.level (trace, debug, info, warn, error)."`
}

func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return cfg, nil
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve     ServeCmd         `cmd:"" help:"Run the controller with recovery, dispatcher, reaper and HTTP server."`
	Cases     CasesCmd         `cmd:"" help:"Inspect the case record store."`
	ConfigCmd ConfigCmd        `cmd:"" name:"config" help:"Print the effective configuration as YAML."`
	Version   kong.VersionFlag `help:"Print the version and exit."`
}

// ConfigCmd prints the configuration after defaults, file and environment
// have been applied.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(g *Globals, out io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	return cfg.Dump(out)
}

func newParser(cli *CLI, out io.Writer, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("eval-controller"),
		kong.Description("Orchestrates remote test case environments."),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.Bind(&cli.Globals),
		kong.Vars{"version": version},
	}, options...)
	return kong.New(cli, options...)
}

// newLogger builds the process logger. A log directory that cannot be
// created degrades to stdout only.
func newLogger(cfg config.LogConfig, out io.Writer) evaluation.Logger {
	w := out
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(dir, "controller.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = io.MultiWriter(out, f)
			}
		}
	}
	if cfg.Format == "text" {
		return evaluation.NewTextLogger(w, cfg.Level)
	}
	return evaluation.NewJSONLogger(w, cfg.Level)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	if err := ctx.Run(); err != nil {
		if fields := validationFields(err); fields != "" {
			fmt.Fprintln(os.Stderr, fields)
		}
		parser.FatalIfErrorf(err)
	}
}

// validationFields lists every field error carried by err, one per line.
func validationFields(err error) string {
	fields, ok := goerrors.GetValidationErrors(err)
	if !ok || len(fields) == 0 {
		return ""
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("  %s: %s", f.Field, f.Message))
	}
	return strings.Join(lines, "\n")
}
