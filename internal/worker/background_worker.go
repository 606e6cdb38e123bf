package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/metrics"
	"github.com/taleforge/api/internal/pipeline"
)

// BackgroundBuilder runs the background step of a scope.
type BackgroundBuilder interface {
	Build(ctx context.Context, scope pipeline.Scope) error
}

// BackgroundWorker processes face swap background tasks
type BackgroundWorker struct {
	builder BackgroundBuilder
	logger  zerolog.Logger
}

func NewBackgroundWorker(builder BackgroundBuilder, logger zerolog.Logger) *BackgroundWorker {
	return &BackgroundWorker{
		builder: builder,
		logger:  logger.With().Str("task", TaskTypeBuildBackgrounds).Logger(),
	}
}

func (w *BackgroundWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	scope, err := decodeScope(t)
	if err != nil {
		return err
	}

	start := time.Now()
	w.logger.Info().Str("scope", scope.String()).Bool("randomize_seed", scope.RandomizeSeed).Msg("Starting background build")
	err = w.builder.Build(ctx, scope)
	metrics.ObserveTask(TaskTypeBuildBackgrounds, start, err)
	return taskError(err)
}
