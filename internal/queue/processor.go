package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/logging"
)

// ActionRunner executes one action request.
type ActionRunner interface {
	Run(ctx context.Context, req action.Request) (*action.Result, error)
}

// ActionProcessor processes action jobs
type ActionProcessor struct {
	runner ActionRunner
	logger zerolog.Logger
}

// NewActionProcessor creates a new action processor
func NewActionProcessor(runner ActionRunner, logger zerolog.Logger) *ActionProcessor {
	return &ActionProcessor{
		runner: runner,
		logger: logging.Scoped(logger, "processor"),
	}
}

// Process runs the job's action once. A deadline hit is reported as a
// timeout rather than a cancellation.
func (p *ActionProcessor) Process(ctx context.Context, job *Job, progress func(int, string)) (*action.Result, error) {
	req := job.Request.Request

	progress(10, fmt.Sprintf("Running %s", req.Kind))
	p.logger.Debug().Str("job_id", job.ID).Str("kind", string(req.Kind)).Msg("processing job")

	result, err := p.runner.Run(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &action.Error{
				Kind:   action.ErrKindTimeout,
				Action: req.Kind,
				Err:    fmt.Errorf("job timed out after %v: %w", job.TimeoutDuration(), err),
			}
		}
		return nil, err
	}

	progress(90, "Collecting results")
	return result, nil
}
