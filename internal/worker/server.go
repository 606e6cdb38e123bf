package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/logger"
)

// RedisOpt builds the asynq connection options from config.
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewServer creates the asynq server that runs the pipeline tasks.
func NewServer(cfg *config.Config, log zerolog.Logger) *asynq.Server {
	queues := cfg.Worker.Queues
	if len(queues) == 0 {
		queues = map[string]int{
			QueueAnalysis:        2,
			QueueFaceSwapPrepay:  4,
			QueueFaceSwapPostpay: 2,
			QueueRender:          3,
		}
	}

	return asynq.NewServer(RedisOpt(&cfg.Redis), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      queues,
		Logger:      logger.NewAsynqLogger(log),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error().
				Err(err).
				Str("task", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("Task failed")
		}),
	})
}

// NewServeMux routes every task type to its worker.
func NewServeMux(analysis *AnalysisWorker, backgrounds *BackgroundWorker, render *RenderWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAnalyzePhoto, analysis.ProcessTask)
	mux.HandleFunc(TaskTypeBuildBackgrounds, backgrounds.ProcessTask)
	mux.HandleFunc(TaskTypeRenderPages, render.ProcessTask)
	return mux
}
