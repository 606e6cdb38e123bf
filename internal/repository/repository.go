package repository

import (
	"context"

	"github.com/taleforge/api/internal/model"
)

// JobRepository persists personalization jobs.
type JobRepository interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	// Update writes the whole job row. Writing over a cancelled job fails
	// with an InvalidJobStateError unless the new status is cancelled.
	Update(ctx context.Context, job *model.Job) error
}

// ArtifactLedger is the append-only record of every object write.
type ArtifactLedger interface {
	Append(ctx context.Context, artifact *model.JobArtifact) error
	ListByJob(ctx context.Context, jobID string) ([]model.JobArtifact, error)
	// LatestByPage returns the newest row per page for a stage and kind,
	// ordered by page number.
	LatestByPage(ctx context.Context, jobID string, stage model.Stage, kind model.ArtifactKind) ([]model.JobArtifact, error)
}

// Purger removes every job and ledger row.
type Purger interface {
	PurgeAll(ctx context.Context) (model.PurgeResult, error)
}

func cancelledError(jobID string) error {
	return &model.InvalidJobStateError{JobID: jobID, Current: model.JobStatusCancelled, Reason: "job was cancelled"}
}
