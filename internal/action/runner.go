package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/browser"
	"github.com/ahrdadan/capq/internal/environment"
	"github.com/ahrdadan/capq/internal/logging"
)

const runIDPrefix = "run_"

// Provisioner yields the environment actions run in.
type Provisioner interface {
	Build(ctx context.Context) (*environment.Environment, error)
}

// Result is the outcome of a successful action run.
type Result struct {
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`
	// Dir holds the run's images. Empty for actions that write none.
	Dir        string   `json:"dir,omitempty"`
	Files      []string `json:"files,omitempty"`
	Title      *string  `json:"title,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Path returns the absolute path of one of the run's files.
func (r *Result) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	Logger            zerolog.Logger
}

// Runner executes actions. Each run gets its own browser and its own
// output directory; concurrent runs share nothing.
type Runner struct {
	env    Provisioner
	driver browser.Driver
	opts   RunnerOptions
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner.
func NewRunner(env Provisioner, driver browser.Driver, opts RunnerOptions) *Runner {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = browser.DefaultNavigationTimeout
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = browser.DefaultSelectorTimeout
	}
	return &Runner{
		env:    env,
		driver: driver,
		opts:   opts,
		logger: logging.Scoped(opts.Logger, "runner"),
		sleep:  sleepContext,
	}
}

// CaptureScreenshot loads url at the given viewport and writes screenshot.png.
func (r *Runner) CaptureScreenshot(ctx context.Context, url string, width, height int, fullPage bool) (*Result, error) {
	req := NewRequest(KindScreenshot, url)
	req.Width, req.Height, req.FullPage = width, height, fullPage
	return r.Run(ctx, req)
}

// ClickAndCapture clicks selector, waits waitMS milliseconds and writes after-click.png.
func (r *Runner) ClickAndCapture(ctx context.Context, url, selector string, waitMS int) (*Result, error) {
	req := NewRequest(KindClick, url)
	req.Selector, req.WaitTime = selector, waitMS
	return r.Run(ctx, req)
}

// ScrollAndCapture writes scroll-0.png and one more image after each of steps scrolls.
func (r *Runner) ScrollAndCapture(ctx context.Context, url string, steps, stepSize int) (*Result, error) {
	req := NewRequest(KindScroll, url)
	req.ScrollSteps, req.StepSize = steps, stepSize
	return r.Run(ctx, req)
}

// FillForm types formData's values into their selectors, then submits.
func (r *Runner) FillForm(ctx context.Context, url, formData, submitSelector string) (*Result, error) {
	req := NewRequest(KindFillForm, url)
	req.FormData, req.SubmitSelector = formData, submitSelector
	return r.Run(ctx, req)
}

// CaptureTitle returns the document title of url.
func (r *Runner) CaptureTitle(ctx context.Context, url string) (*Result, error) {
	return r.Run(ctx, NewRequest(KindTitle, url))
}

// Run compiles and executes req. On failure the browser is closed, the
// run directory is removed and an *Error is returned.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	plan, err := Compile(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidInput, Action: req.Kind, Err: err}
	}

	env, err := r.env.Build(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrKindEnvironment, Action: req.Kind, Err: err}
	}

	result := &Result{RunID: NewRunID(), Kind: req.Kind}
	logger := r.logger.With().
		Str("run_id", result.RunID).
		Str("kind", string(req.Kind)).
		Str("url", req.URL).
		Logger()

	if len(plan.Artifacts()) > 0 {
		result.Dir = filepath.Join(env.OutputDir, result.RunID)
		if err := os.MkdirAll(result.Dir, 0o755); err != nil {
			return nil, &Error{Kind: ErrKindOutput, Action: req.Kind, Err: err}
		}
	}

	if err := r.execute(ctx, env, plan, result, logger); err != nil {
		if result.Dir != "" {
			if rmErr := os.RemoveAll(result.Dir); rmErr != nil {
				logger.Warn().Err(rmErr).Msg("failed to remove run directory")
			}
		}
		logger.Error().Err(err).Msg("action failed")
		return nil, err
	}

	result.DurationMS = time.Since(started).Milliseconds()
	logger.Info().
		Int("files", len(result.Files)).
		Int64("duration_ms", result.DurationMS).
		Msg("action completed")
	return result, nil
}

func (r *Runner) execute(ctx context.Context, env *environment.Environment, plan Plan, result *Result, logger zerolog.Logger) error {
	page, err := r.driver.Open(ctx, browser.Options{
		Bin:               env.BrowserBin,
		Env:               env.ProcessEnv(),
		NavigationTimeout: r.opts.NavigationTimeout,
		SelectorTimeout:   r.opts.SelectorTimeout,
	})
	if err != nil {
		return &Error{Kind: classify(ctx, "", err), Action: plan.Kind, Err: err}
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close browser")
		}
	}()

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: ErrKindCanceled, Action: plan.Kind, Op: step.Op, Err: err}
		}
		logger.Debug().Str("op", string(step.Op)).Msg("step")
		if err := r.step(ctx, page, step, result); err != nil {
			var actionErr *Error
			if errors.As(err, &actionErr) {
				return err
			}
			return &Error{Kind: classify(ctx, step.Op, err), Action: plan.Kind, Op: step.Op, Err: err}
		}
	}
	return nil
}

func (r *Runner) step(ctx context.Context, page browser.Page, s Step, result *Result) error {
	switch s.Op {
	case OpSetViewport:
		return page.SetViewport(s.Width, s.Height)
	case OpNavigate:
		return page.Navigate(s.URL)
	case OpClick:
		return page.Click(s.Selector)
	case OpType:
		return page.Type(s.Selector, s.Value)
	case OpScroll:
		return page.ScrollBy(s.Delta)
	case OpWait:
		return r.sleep(ctx, time.Duration(s.DelayMS)*time.Millisecond)
	case OpScreenshot:
		data, err := page.Screenshot(s.FullPage)
		if err != nil {
			return err
		}
		if err := os.WriteFile(result.Path(s.File), data, 0o644); err != nil {
			return &Error{Kind: ErrKindOutput, Action: result.Kind, Op: s.Op, Err: err}
		}
		result.Files = append(result.Files, s.File)
		return nil
	case OpReadTitle:
		title, err := page.Title()
		if err != nil {
			return err
		}
		result.Title = &title
		return nil
	default:
		return fmt.Errorf("unknown step %q", s.Op)
	}
}

// RunDir resolves the directory of a previous run.
func (r *Runner) RunDir(ctx context.Context, runID string) (string, error) {
	if !ValidRunID(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	env, err := r.env.Build(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(env.OutputDir, runID), nil
}

// Remove deletes a run directory. Removing an absent run is not an error.
func (r *Runner) Remove(ctx context.Context, runID string) error {
	dir, err := r.RunDir(ctx, runID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return runIDPrefix + uuid.NewString()
}

// ValidRunID reports whether id has the shape NewRunID produces.
func ValidRunID(id string) bool {
	rest, ok := strings.CutPrefix(id, runIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
