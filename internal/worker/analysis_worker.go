package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/metrics"
)

// PhotoAnalyzer runs face analysis for a job.
type PhotoAnalyzer interface {
	Analyze(ctx context.Context, jobID string) error
}

// AnalysisWorker processes photo analysis tasks
type AnalysisWorker struct {
	analyzer PhotoAnalyzer
	logger   zerolog.Logger
}

func NewAnalysisWorker(analyzer PhotoAnalyzer, logger zerolog.Logger) *AnalysisWorker {
	return &AnalysisWorker{
		analyzer: analyzer,
		logger:   logger.With().Str("task", TaskTypeAnalyzePhoto).Logger(),
	}
}

func (w *AnalysisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload AnalysisPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload without job id: %w", asynq.SkipRetry)
	}

	start := time.Now()
	w.logger.Info().Str("job_id", payload.JobID).Msg("Starting photo analysis")
	err := w.analyzer.Analyze(ctx, payload.JobID)
	metrics.ObserveTask(TaskTypeAnalyzePhoto, start, err)
	return taskError(err)
}
