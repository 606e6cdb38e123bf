package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/metrics"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
)

// PageRenderer runs the render step of a scope.
type PageRenderer interface {
	Render(ctx context.Context, scope pipeline.Scope) error
}

// RenderWorker processes render tasks
type RenderWorker struct {
	renderer PageRenderer
	logger   zerolog.Logger
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(renderer PageRenderer, logger zerolog.Logger) *RenderWorker {
	return &RenderWorker{
		renderer: renderer,
		logger:   logger.With().Str("task", TaskTypeRenderPages).Logger(),
	}
}

// ProcessTask handles render task processing
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	scope, err := decodeScope(t)
	if err != nil {
		return err
	}

	start := time.Now()
	w.logger.Info().Str("scope", scope.String()).Msg("Starting render")
	err = w.renderer.Render(ctx, scope)
	metrics.ObserveTask(TaskTypeRenderPages, start, err)
	return taskError(err)
}

func decodeScope(t *asynq.Task) (pipeline.Scope, error) {
	var scope pipeline.Scope
	if err := json.Unmarshal(t.Payload(), &scope); err != nil {
		return scope, fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if scope.JobID == "" {
		return scope, fmt.Errorf("task payload without job id: %w", asynq.SkipRetry)
	}
	if _, err := model.ParseStage(string(scope.Stage)); err != nil {
		return scope, fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return scope, nil
}

// taskError stops asynq from retrying failures another attempt cannot fix,
// and failures already recorded on the job.
func taskError(err error) error {
	if err == nil {
		return nil
	}
	var mv *model.ManifestValidationError
	if pipeline.IsFailureRecorded(err) || model.IsNotFound(err) || model.IsInvalidState(err) || errors.As(err, &mv) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
