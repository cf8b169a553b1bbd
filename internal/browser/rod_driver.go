package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// RodDriver launches a fresh Chromium per session through rod.
type RodDriver struct {
	logger zerolog.Logger
}

// NewRodDriver creates a rod-backed driver.
func NewRodDriver(logger zerolog.Logger) *RodDriver {
	return &RodDriver{logger: logger}
}

// Open launches Chromium with sandboxing disabled for container use and opens one page.
func (d *RodDriver) Open(ctx context.Context, opts Options) (Page, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = DefaultSelectorTimeout
	}

	l := launcher.New().
		Context(ctx).
		Headless(true).
		Set(flags.Headless, "new").
		NoSandbox(true).
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if len(opts.Env) > 0 {
		l = l.Env(opts.Env...)
	}

	wsURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %v", ErrLaunch, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: new page: %v", ErrLaunch, err)
	}

	d.logger.Debug().Str("endpoint", wsURL).Msg("Browser launched")

	return &rodPage{
		ctx:      ctx,
		opts:     opts,
		launcher: l,
		browser:  browser,
		page:     page,
		logger:   d.logger,
	}, nil
}

type rodPage struct {
	ctx      context.Context
	opts     Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	logger   zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *rodPage) SetViewport(width, height int) error {
	err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	return nil
}

func (p *rodPage) Navigate(url string) error {
	ctx, cancel := withTimeout(p.ctx, p.opts.NavigationTimeout)
	defer cancel()
	page := p.page.Context(ctx)

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := page.Navigate(url); err != nil {
		if p.expired(ctx) {
			return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, p.opts.NavigationTimeout, url)
		}
		if ctxErr := p.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	wait()

	if p.expired(ctx) {
		return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, p.opts.NavigationTimeout, url)
	}
	return p.ctx.Err()
}

func (p *rodPage) Click(selector string) error {
	ctx, cancel := withTimeout(p.ctx, p.opts.SelectorTimeout)
	defer cancel()

	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return p.interactErr(ctx, "click", selector, err)
	}
	return nil
}

func (p *rodPage) Type(selector, value string) error {
	ctx, cancel := withTimeout(p.ctx, p.opts.SelectorTimeout)
	defer cancel()

	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Input(value); err != nil {
		return p.interactErr(ctx, "input value for", selector, err)
	}
	return nil
}

func (p *rodPage) ScrollBy(dy int) error {
	if _, err := p.page.Eval(`(dy) => window.scrollBy(0, dy)`, dy); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

func (p *rodPage) Screenshot(fullPage bool) ([]byte, error) {
	data, err := p.page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return data, nil
}

func (p *rodPage) Title() (string, error) {
	res, err := p.page.Eval(`() => document.title`)
	if err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		if err := p.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.closeErr = errors.Join(errs...)
		if p.closeErr != nil {
			p.logger.Debug().Err(p.closeErr).Msg("Browser closed with errors")
		}
	})
	return p.closeErr
}

// element waits for the first match of selector until ctx is done.
func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		if ctxErr := p.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, selector)
	}
	return el, nil
}

// interactErr reports a failed click or input. An element that never became
// interactable before the selector deadline counts as not found.
func (p *rodPage) interactErr(ctx context.Context, verb, selector string, err error) error {
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if p.expired(ctx) {
		return fmt.Errorf("%w: %s not interactable within %v", ErrSelectorNotFound, selector, p.opts.SelectorTimeout)
	}
	return fmt.Errorf("failed to %s %s: %w", verb, selector, err)
}

// expired reports whether the step deadline, not the caller, ended ctx.
func (p *rodPage) expired(ctx context.Context) bool {
	return p.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

var _ Driver = (*RodDriver)(nil)
