package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/metrics"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
)

// RegenerateRequest asks for a rerun of a stage, or of one page when
// PageNum is set.
type RegenerateRequest struct {
	JobID         string
	UserID        string
	Stage         model.Stage
	PageNum       *int
	OverridePhoto []byte
}

// Statuses a regeneration may start from, per stage.
var (
	prepayRegenerable  = []model.JobStatus{model.JobStatusGenerationFailed, model.JobStatusPrepayReady, model.JobStatusConfirmed, model.JobStatusPreviewReady}
	postpayRegenerable = []model.JobStatus{model.JobStatusCompleted}
)

// RegenerationService runs the budget-limited, user-triggered reruns.
type RegenerationService struct {
	jobs       repository.JobRepository
	manifests  pipeline.ManifestSource
	resolver   *book.Resolver
	uploads    *UploadService
	dispatcher Enqueuer
	logger     zerolog.Logger
}

func NewRegenerationService(jobs repository.JobRepository, manifests pipeline.ManifestSource, resolver *book.Resolver, uploads *UploadService, dispatcher Enqueuer, logger zerolog.Logger) *RegenerationService {
	if resolver == nil {
		resolver = book.NewResolver(nil)
	}
	return &RegenerationService{
		jobs:       jobs,
		manifests:  manifests,
		resolver:   resolver,
		uploads:    uploads,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "regeneration_service").Logger(),
	}
}

// ResolveStage picks the stage a regeneration targets: the explicit one,
// else postpay for completed jobs and prepay otherwise.
func ResolveStage(explicit model.Stage, status model.JobStatus) model.Stage {
	if explicit != "" {
		return explicit
	}
	if status == model.JobStatusCompleted {
		return model.StagePostpay
	}
	return model.StagePrepay
}

func regenerable(stage model.Stage, status model.JobStatus, explicit bool) bool {
	if stage == model.StagePostpay {
		// a failed postpay run is only retried when the caller names the stage
		return status.In(postpayRegenerable...) || (explicit && status == model.JobStatusGenerationFailed)
	}
	return status.In(prepayRegenerable...)
}

// Regenerate validates the request, consumes one unit of budget and queues
// the workflow for the stage or page.
func (s *RegenerationService) Regenerate(ctx context.Context, req RegenerateRequest) (*model.RegenerationResponse, error) {
	scopeLabel := "stage"
	if req.PageNum != nil {
		scopeLabel = "page"
	}

	resp, err := s.regenerate(ctx, req)
	switch {
	case err == nil:
		metrics.Regenerations.WithLabelValues(scopeLabel, "accepted").Inc()
	case errors.Is(err, model.ErrRegenerationLimitExceeded):
		metrics.Regenerations.WithLabelValues(scopeLabel, "limit_exceeded").Inc()
	default:
		metrics.Regenerations.WithLabelValues(scopeLabel, "rejected").Inc()
	}
	return resp, err
}

func (s *RegenerationService) regenerate(ctx context.Context, req RegenerateRequest) (*model.RegenerationResponse, error) {
	job, err := loadOwned(ctx, s.jobs, req.JobID, req.UserID)
	if err != nil {
		return nil, err
	}

	stage := ResolveStage(req.Stage, job.Status)
	if _, err := model.ParseStage(string(stage)); err != nil {
		return nil, &model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: err.Error()}
	}
	if !regenerable(stage, job.Status, req.Stage != "") {
		return nil, &model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: fmt.Sprintf("%s cannot be regenerated in this status", stage)}
	}

	if req.PageNum != nil {
		m, err := s.manifests.Load(ctx, job.Slug)
		if err != nil {
			return nil, err
		}
		if err := s.checkPage(job, m, stage, *req.PageNum); err != nil {
			return nil, err
		}
	}

	if !job.Analysis.Budget.Allowed() {
		return nil, model.ErrRegenerationLimitExceeded
	}

	scope := pipeline.Scope{
		JobID:         job.ID,
		Stage:         stage,
		PageNum:       req.PageNum,
		RandomizeSeed: true,
	}
	if len(req.OverridePhoto) > 0 && req.PageNum != nil {
		id := uuid.New().String()
		uri, err := s.uploads.StorePhoto(ctx, req.OverridePhoto, func(ext string) string {
			return pipeline.RegenerationPhotoKey(job.ID, id, ext)
		})
		if err != nil {
			return nil, err
		}
		scope.OverridePhotoURI = uri
	}

	var record *model.RegenerationRecord
	job, err = updateOwned(ctx, s.jobs, job.ID, req.UserID, func(job *model.Job) error {
		if !job.Analysis.Budget.Allowed() {
			return model.ErrRegenerationLimitExceeded
		}
		if !regenerable(stage, job.Status, req.Stage != "") {
			return &model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: fmt.Sprintf("%s cannot be regenerated in this status", stage)}
		}
		job.Analysis.Budget.Used++
		job.Analysis.Budget.RandomizeSeed = true

		if req.PageNum != nil {
			record = job.SetPageRegeneration(*req.PageNum, stage, model.PageRegenQueued, "")
			return nil
		}
		if stage == model.StagePostpay {
			return job.Transition(model.JobStatusPostpayGenerating)
		}
		return job.Transition(model.JobStatusPrepayPending)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Enqueue(ctx, scope); err != nil {
		s.refund(ctx, scope, err)
		return nil, err
	}

	s.logger.Info().
		Str("scope", scope.String()).
		Int("used", job.Analysis.Budget.Used).
		Int("limit", job.Analysis.Budget.Limit).
		Msg("Regeneration queued")

	resp := &model.RegenerationResponse{
		JobID:   job.ID,
		Stage:   stage,
		PageNum: req.PageNum,
		Status:  job.Status,
		Budget:  model.NewBudgetView(job.Analysis.Budget),
	}
	if record != nil {
		rec := *record
		resp.Record = &rec
	}
	return resp, nil
}

// checkPage rejects pages outside the stage and pages without a face swap.
func (s *RegenerationService) checkPage(job *model.Job, m *book.Manifest, stage model.Stage, pageNum int) error {
	page, ok := m.PageByNum(pageNum)
	if !ok {
		return pageNotAllowed(job, fmt.Sprintf("page %d is not in the book", pageNum))
	}
	if !s.resolver.Contains(m, stage, pageNum) {
		return pageNotAllowed(job, fmt.Sprintf("page %d is not part of the %s stage", pageNum, stage))
	}
	if !page.NeedsFaceSwap {
		return pageNotAllowed(job, fmt.Sprintf("page %d has no face to regenerate", pageNum))
	}
	return nil
}

func pageNotAllowed(job *model.Job, reason string) error {
	return fmt.Errorf("%w: %w", model.ErrRegenerationPageNotAllowed,
		&model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: reason})
}

// refund gives the budget unit back when the work could not be queued.
func (s *RegenerationService) refund(ctx context.Context, scope pipeline.Scope, cause error) {
	s.logger.Error().Err(cause).Str("scope", scope.String()).Msg("Failed to enqueue regeneration")
	_, err := updateOwned(ctx, s.jobs, scope.JobID, "", func(job *model.Job) error {
		if job.Analysis.Budget.Used > 0 {
			job.Analysis.Budget.Used--
		}
		if scope.PageNum != nil {
			job.SetPageRegeneration(*scope.PageNum, scope.Stage, model.PageRegenFailed, cause.Error())
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("scope", scope.String()).Msg("Failed to refund regeneration")
	}
}

// Budget returns the regeneration budget of a job.
func (s *RegenerationService) Budget(ctx context.Context, jobID, userID string) (model.BudgetView, error) {
	job, err := loadOwned(ctx, s.jobs, jobID, userID)
	if err != nil {
		return model.BudgetView{}, err
	}
	return model.NewBudgetView(job.Analysis.Budget), nil
}
