package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrdadan/capq/internal/browser"
	"github.com/ahrdadan/capq/internal/environment"
)

// ErrorKind classifies why an action failed.
type ErrorKind string

const (
	ErrKindEnvironment      ErrorKind = "environment"
	ErrKindInvalidInput     ErrorKind = "invalid_input"
	ErrKindNavigation       ErrorKind = "navigation"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindSelectorNotFound ErrorKind = "selector_not_found"
	ErrKindBrowser          ErrorKind = "browser"
	ErrKindCapture          ErrorKind = "capture"
	ErrKindOutput           ErrorKind = "output"
	ErrKindCanceled         ErrorKind = "canceled"
)

// Error is the failure of one action run. No partial result accompanies it.
type Error struct {
	Kind   ErrorKind
	Action Kind
	Op     Op
	Err    error
}

func (e *Error) Error() string {
	if e.Action == "" {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Action, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the error kind carried by err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var actionErr *Error
	if errors.As(err, &actionErr) {
		return actionErr.Kind
	}
	return ""
}

// classify maps a step failure to an error kind. Context errors count as a
// cancellation only while ctx, the caller's context, is itself done; a
// step's own deadline is a timeout.
func classify(ctx context.Context, op Op, err error) ErrorKind {
	var buildErr *environment.BuildError
	switch {
	case errors.As(err, &buildErr):
		return ErrKindEnvironment
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ErrKindCanceled
	case errors.Is(err, browser.ErrSelectorNotFound):
		return ErrKindSelectorNotFound
	case errors.Is(err, browser.ErrNavigationTimeout):
		return ErrKindTimeout
	case errors.Is(err, browser.ErrNavigation):
		return ErrKindNavigation
	case errors.Is(err, browser.ErrLaunch):
		return ErrKindBrowser
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case op == OpScreenshot:
		return ErrKindCapture
	default:
		return ErrKindBrowser
	}
}
