package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
)

// Enqueuer is the part of asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher is the single enqueue path of the service: API calls,
// regenerations and workflow continuations all go through it.
type Dispatcher struct {
	client    Enqueuer
	jobs      repository.JobRepository
	manifests pipeline.ManifestSource
	resolver  *book.Resolver
	logger    zerolog.Logger
}

func NewDispatcher(client Enqueuer, jobs repository.JobRepository, manifests pipeline.ManifestSource, resolver *book.Resolver, logger zerolog.Logger) *Dispatcher {
	if resolver == nil {
		resolver = book.NewResolver(nil)
	}
	return &Dispatcher{
		client:    client,
		jobs:      jobs,
		manifests: manifests,
		resolver:  resolver,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Schedule enqueues one workflow step. It implements pipeline.Scheduler.
func (d *Dispatcher) Schedule(ctx context.Context, step pipeline.Step, scope pipeline.Scope) error {
	task, opts, err := newStepTask(step, scope)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	d.logger.Info().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Str("step", string(step)).
		Str("scope", scope.String()).
		Msg("Step enqueued")
	return nil
}

// Enqueue starts the workflow for scope at its entry step: the background
// step when any page in scope needs a face swap, the render step otherwise.
func (d *Dispatcher) Enqueue(ctx context.Context, scope pipeline.Scope) error {
	job, err := d.jobs.Get(ctx, scope.JobID)
	if err != nil {
		return err
	}
	m, err := d.manifests.Load(ctx, job.Slug)
	if err != nil {
		return err
	}

	var faceSwap bool
	if scope.FullStage() {
		faceSwap = d.resolver.HasFaceSwap(m, scope.Stage)
	} else {
		page, ok := m.PageByNum(*scope.PageNum)
		if !ok {
			return &model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: fmt.Sprintf("page %d not in manifest", *scope.PageNum)}
		}
		faceSwap = page.NeedsFaceSwap
	}
	return d.Schedule(ctx, pipeline.EntryStep(faceSwap), scope)
}

// EnqueueFullStage starts a full run of stage for a job.
func (d *Dispatcher) EnqueueFullStage(ctx context.Context, jobID string, stage model.Stage) error {
	return d.Enqueue(ctx, pipeline.Scope{JobID: jobID, Stage: stage})
}

// EnqueueAnalysis queues photo analysis for a job.
func (d *Dispatcher) EnqueueAnalysis(ctx context.Context, jobID string) error {
	task, opts, err := newAnalysisTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	d.logger.Info().Str("task_id", info.ID).Str("job_id", jobID).Msg("Analysis enqueued")
	return nil
}
