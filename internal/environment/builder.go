package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog"
)

// OutputDirName is the directory under the workdir that holds run artifacts.
const OutputDirName = "output"

// CommandRunner executes one command in dir with the given extra environment.
type CommandRunner func(ctx context.Context, dir string, env []string, name string, args ...string) error

// BrowserFetcher downloads a browser build and returns its executable path.
type BrowserFetcher func(ctx context.Context, revision int) (string, error)

// BuildError reports the step that aborted an environment build.
type BuildError struct {
	Step string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("environment build failed at %s: %v", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Environment is a provisioned execution environment.
type Environment struct {
	Spec        Spec      `json:"spec"`
	Fingerprint string    `json:"fingerprint"`
	BrowserBin  string    `json:"browser_bin"`
	Workdir     string    `json:"workdir"`
	OutputDir   string    `json:"output_dir"`
	BuiltAt     time.Time `json:"built_at"`
}

// ProcessEnv returns the environment for child processes: the host
// environment overlaid with the recipe's variables.
func (e *Environment) ProcessEnv() []string {
	return append(os.Environ(), e.Spec.EnvPairs()...)
}

// Options configures a Builder.
type Options struct {
	// SkipInstall skips OS package installation, for images that already
	// carry the recipe's packages.
	SkipInstall bool
	Runner      CommandRunner
	Fetcher     BrowserFetcher
	Logger      zerolog.Logger
}

// Builder provisions environments from a recipe. Builds are serialized and
// cached by recipe fingerprint.
type Builder struct {
	spec        Spec
	skipInstall bool
	run         CommandRunner
	fetch       BrowserFetcher
	logger      zerolog.Logger
	goos        string

	mu    sync.Mutex
	cache map[string]*Environment
}

// NewBuilder creates a builder for spec.
func NewBuilder(spec Spec, opts Options) *Builder {
	b := &Builder{
		spec:        spec.Clone(),
		skipInstall: opts.SkipInstall,
		run:         opts.Runner,
		fetch:       opts.Fetcher,
		logger:      opts.Logger,
		goos:        runtime.GOOS,
		cache:       make(map[string]*Environment),
	}
	if b.run == nil {
		b.run = runCommand
	}
	if b.fetch == nil {
		b.fetch = fetchBrowser
	}
	return b
}

// Spec returns a copy of the builder's recipe.
func (b *Builder) Spec() Spec {
	return b.spec.Clone()
}

// Build provisions the environment, or returns the cached one for an
// identical recipe. Any failing step aborts the build; nothing is retried.
func (b *Builder) Build(ctx context.Context) (*Environment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fingerprint := b.spec.Fingerprint()
	if env, ok := b.cache[fingerprint]; ok {
		return env, nil
	}

	logger := b.logger.With().Str("fingerprint", fingerprint[:12]).Logger()
	logger.Info().Str("base_image", b.spec.BaseImage).Int("packages", len(b.spec.Packages)).Msg("Building environment")

	if err := b.spec.Validate(); err != nil {
		return nil, &BuildError{Step: "validate", Err: err}
	}

	if err := b.installPackages(ctx, logger); err != nil {
		return nil, err
	}

	workdir, err := filepath.Abs(b.spec.Workdir)
	if err != nil {
		return nil, &BuildError{Step: "workdir", Err: err}
	}
	outputDir := filepath.Join(workdir, OutputDirName)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, &BuildError{Step: "workdir", Err: err}
	}

	envPairs := b.spec.EnvPairs()
	for _, cmd := range b.spec.Setup {
		logger.Debug().Str("command", cmd.String()).Msg("Running setup step")
		if err := b.run(ctx, workdir, envPairs, cmd[0], cmd[1:]...); err != nil {
			return nil, &BuildError{Step: "setup " + cmd.String(), Err: err}
		}
	}

	bin, err := b.resolveBrowser(ctx, logger)
	if err != nil {
		return nil, &BuildError{Step: "browser", Err: err}
	}

	env := &Environment{
		Spec:        b.spec.Clone(),
		Fingerprint: fingerprint,
		BrowserBin:  bin,
		Workdir:     workdir,
		OutputDir:   outputDir,
		BuiltAt:     time.Now().UTC(),
	}
	b.cache[fingerprint] = env

	logger.Info().Str("browser", bin).Str("workdir", workdir).Msg("Environment ready")
	return env, nil
}

func (b *Builder) installPackages(ctx context.Context, logger zerolog.Logger) error {
	if b.skipInstall {
		logger.Debug().Msg("Package install skipped by configuration")
		return nil
	}
	if b.goos != "linux" {
		logger.Warn().Str("os", b.goos).Msg("Package install only runs on linux, skipping")
		return nil
	}

	cmds, err := installCommands(b.spec.PackageManager, b.spec.Packages)
	if err != nil {
		return &BuildError{Step: "packages", Err: err}
	}

	for _, cmd := range cmds {
		logger.Info().Str("command", cmd[0]+" "+cmd[1]).Msg("Installing packages")
		if err := b.run(ctx, "", nil, cmd[0], cmd[1:]...); err != nil {
			return &BuildError{Step: "packages", Err: err}
		}
	}
	return nil
}

func (b *Builder) resolveBrowser(ctx context.Context, logger zerolog.Logger) (string, error) {
	if bin := b.spec.Env[EnvBrowserBin]; bin != "" {
		if info, err := os.Stat(bin); err == nil && !info.IsDir() {
			return bin, nil
		}
		logger.Warn().Str("path", bin).Msg("Configured browser binary not found")
	}

	if strings.EqualFold(b.spec.Env[EnvSkipBrowserDownload], "true") {
		if bin, ok := launcher.LookPath(); ok {
			return bin, nil
		}
		return "", fmt.Errorf("no browser binary available and %s is set", EnvSkipBrowserDownload)
	}

	logger.Info().Int("revision", b.spec.BrowserRevision).Msg("Downloading browser")
	bin, err := b.fetch(ctx, b.spec.BrowserRevision)
	if err != nil {
		return "", err
	}
	return bin, nil
}

// fetchBrowser downloads a Chromium build for the current OS/arch.
func fetchBrowser(ctx context.Context, revision int) (string, error) {
	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download browser: %w", err)
	}
	return path, nil
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%s not found: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}
