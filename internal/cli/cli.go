// Package cli implements the capq command line: one-shot actions, request
// files, plans and environment recipes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/browser"
	"github.com/ahrdadan/capq/internal/config"
	"github.com/ahrdadan/capq/internal/environment"
	"github.com/ahrdadan/capq/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provisioner builds the execution environment.
type Provisioner interface {
	Build(ctx context.Context) (*environment.Environment, error)
	Spec() environment.Spec
}

// Runner executes one action request.
type Runner interface {
	Run(ctx context.Context, req action.Request) (*action.Result, error)
}

// Globals are the flags shared by every command.
type Globals struct {
	Recipe          string        `help:"YAML environment recipe (default recipe if empty)." env:"CAPQ_RECIPE"`
	Workdir         string        `help:"Override the recipe workdir." env:"CAPQ_WORKDIR"`
	SkipInstall     bool          `help:"Skip OS package installation. Unless set, every command first runs the recipe package manager (apt-get by default), which needs root." env:"CAPQ_SKIP_INSTALL"`
	NavTimeout      time.Duration `help:"Navigation timeout." default:"30s" env:"CAPQ_NAV_TIMEOUT"`
	SelectorTimeout time.Duration `help:"Selector wait timeout." default:"30s" env:"CAPQ_SELECTOR_TIMEOUT"`
	LogLevel        string        `help:"Log level." default:"warn" enum:"debug,info,warn,error" env:"CAPQ_LOG_LEVEL"`
	JSON            bool          `help:"Print results as JSON."`

	stdout         io.Writer                                `kong:"-"`
	newProvisioner func(g *Globals) (Provisioner, error)    `kong:"-"`
	newRunner      func(g *Globals, env Provisioner) Runner `kong:"-"`
}

// CLI is the root command.
type CLI struct {
	Globals

	Screenshot ScreenshotCmd `cmd:"" help:"Capture a page at a given viewport."`
	Click      ClickCmd      `cmd:"" help:"Click an element and capture the result."`
	Scroll     ScrollCmd     `cmd:"" help:"Scroll a page and capture every step."`
	Fill       FillCmd       `cmd:"" help:"Fill a form, submit it and capture before and after."`
	Title      TitleCmd      `cmd:"" help:"Print the title of a page."`
	Run        RunCmd        `cmd:"" help:"Run the action described by a YAML request file."`
	Plan       PlanCmd       `cmd:"" help:"Print the steps a YAML request file compiles to."`
	Env        EnvCmd        `cmd:"" help:"Inspect or build the execution environment."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

func (g *Globals) out() io.Writer {
	if g.stdout == nil {
		return os.Stdout
	}
	return g.stdout
}

func (g *Globals) logger() zerolog.Logger {
	return logging.New(logging.Config{Level: g.LogLevel, Format: "console", Output: os.Stderr})
}

func (g *Globals) provisioner() (Provisioner, error) {
	if g.newProvisioner != nil {
		return g.newProvisioner(g)
	}
	cfg := config.Config{Recipe: g.Recipe, Workdir: g.Workdir}
	spec, err := cfg.EnvironmentSpec()
	if err != nil {
		return nil, fmt.Errorf("loading environment recipe: %w", err)
	}
	return environment.NewBuilder(spec, environment.Options{
		SkipInstall: g.SkipInstall,
		Logger:      g.logger(),
	}), nil
}

func (g *Globals) runner(env Provisioner) Runner {
	if g.newRunner != nil {
		return g.newRunner(g, env)
	}
	logger := g.logger()
	return action.NewRunner(env, browser.NewRodDriver(logger), action.RunnerOptions{
		NavigationTimeout: g.NavTimeout,
		SelectorTimeout:   g.SelectorTimeout,
		Logger:            logger,
	})
}

// execute runs req until it finishes or the process is interrupted.
func (g *Globals) execute(req action.Request) error {
	if err := req.Validate(); err != nil {
		return &action.Error{Kind: action.ErrKindInvalidInput, Action: req.Kind, Op: "validate", Err: err}
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := g.provisioner()
	if err != nil {
		return err
	}
	result, err := g.runner(env).Run(ctx, req)
	if err != nil {
		return err
	}
	return g.printResult(result)
}

func (g *Globals) printResult(result *action.Result) error {
	w := g.out()
	if g.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "%s %s %s\n",
		color.GreenString("ok"),
		color.BlueString(string(result.Kind)),
		color.New(color.Faint).Sprintf("%s %dms", result.RunID, result.DurationMS))
	if result.Title != nil {
		fmt.Fprintf(w, "  title: %s\n", *result.Title)
	}
	for _, name := range result.Files {
		fmt.Fprintf(w, "  %s\n", color.CyanString(result.Path(name)))
	}
	return nil
}

// ExitCode maps a command error to the process exit status: 0 on success,
// 2 for bad input, 3 when the environment could not be built, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch action.KindOf(err) {
	case action.ErrKindInvalidInput:
		return 2
	case action.ErrKindEnvironment:
		return 3
	}
	var buildErr *environment.BuildError
	if errors.As(err, &buildErr) {
		return 3
	}
	return 1
}

// PrintError writes err to w the way the CLI reports failures.
func PrintError(w io.Writer, err error) {
	label := color.New(color.FgRed, color.Bold).Sprint("error:")
	if kind := action.KindOf(err); kind != "" {
		fmt.Fprintf(w, "%s [%s] %v\n", label, kind, err)
		return
	}
	fmt.Fprintf(w, "%s %v\n", label, err)
}
