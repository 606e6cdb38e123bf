package service

import (
	"context"

	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
)

// Enqueuer starts pipeline work. worker.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, scope pipeline.Scope) error
	EnqueueFullStage(ctx context.Context, jobID string, stage model.Stage) error
	EnqueueAnalysis(ctx context.Context, jobID string) error
}

// loadOwned loads a job and checks it belongs to userID. An empty userID
// skips the check for internal callers.
func loadOwned(ctx context.Context, jobs repository.JobRepository, jobID, userID string) (*model.Job, error) {
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != "" && job.UserID != userID {
		return nil, model.ErrForbidden
	}
	return job, nil
}

// updateOwned reloads the job, applies fn and saves it.
func updateOwned(ctx context.Context, jobs repository.JobRepository, jobID, userID string, fn func(job *model.Job) error) (*model.Job, error) {
	job, err := loadOwned(ctx, jobs, jobID, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// VisibleStage is the stage whose pages a client is shown for a status.
// Prepay pages stay visible until the postpay stage has completed.
func VisibleStage(status model.JobStatus) model.Stage {
	if status == model.JobStatusCompleted {
		return model.StagePostpay
	}
	return model.StagePrepay
}
