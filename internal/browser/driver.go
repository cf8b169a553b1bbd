package browser

import (
	"context"
	"errors"
	"time"
)

// Default timeouts applied to a page.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSelectorTimeout   = 30 * time.Second
)

var (
	// ErrLaunch is returned when the browser process cannot be started or reached.
	ErrLaunch = errors.New("browser launch failed")
	// ErrNavigation is returned when the page cannot be loaded.
	ErrNavigation = errors.New("navigation failed")
	// ErrNavigationTimeout is returned when the page does not settle in time.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrSelectorNotFound is returned when no element matches a selector in time.
	ErrSelectorNotFound = errors.New("selector not found")
)

// Options configures one browser launch.
type Options struct {
	// Bin is the browser executable. Empty lets rod pick one.
	Bin string
	// Env is passed to the browser process as KEY=VALUE pairs.
	Env               []string
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
}

// DefaultOptions returns options with the default timeouts.
func DefaultOptions() Options {
	return Options{
		NavigationTimeout: DefaultNavigationTimeout,
		SelectorTimeout:   DefaultSelectorTimeout,
	}
}

// Driver launches isolated browser sessions.
type Driver interface {
	Open(ctx context.Context, opts Options) (Page, error)
}

// Page is a single page in a dedicated browser. Every interaction takes its
// inputs as plain arguments; nothing is spliced into script text.
type Page interface {
	SetViewport(width, height int) error
	// Navigate loads url and waits until network activity settles.
	Navigate(url string) error
	// Click waits for selector and clicks the first match.
	Click(selector string) error
	// Type waits for selector and types value into it.
	Type(selector, value string) error
	// ScrollBy scrolls the window vertically by dy pixels.
	ScrollBy(dy int) error
	// Screenshot captures the viewport, or the whole page, as PNG.
	Screenshot(fullPage bool) ([]byte, error)
	Title() (string, error)
	// Close releases the page and its browser. It is safe to call twice.
	Close() error
}
