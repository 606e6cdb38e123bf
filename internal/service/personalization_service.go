package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
)

// PersonalizationService handles the lifecycle of personalization jobs
type PersonalizationService struct {
	jobs              repository.JobRepository
	ledger            repository.ArtifactLedger
	purger            repository.Purger
	uploads           *UploadService
	manifests         pipeline.ManifestSource
	resolver          *book.Resolver
	dispatcher        Enqueuer
	regenerationLimit int
	presignExpiry     time.Duration
	logger            zerolog.Logger
}

// PersonalizationDeps groups the collaborators of PersonalizationService.
type PersonalizationDeps struct {
	Jobs              repository.JobRepository
	Ledger            repository.ArtifactLedger
	Purger            repository.Purger
	Uploads           *UploadService
	Manifests         pipeline.ManifestSource
	Resolver          *book.Resolver
	Dispatcher        Enqueuer
	RegenerationLimit int
	PresignExpiry     time.Duration
	Logger            zerolog.Logger
}

func NewPersonalizationService(d PersonalizationDeps) *PersonalizationService {
	if d.Resolver == nil {
		d.Resolver = book.NewResolver(nil)
	}
	if d.PresignExpiry <= 0 {
		d.PresignExpiry = time.Hour
	}
	return &PersonalizationService{
		jobs:              d.Jobs,
		ledger:            d.Ledger,
		purger:            d.Purger,
		uploads:           d.Uploads,
		manifests:         d.Manifests,
		resolver:          d.Resolver,
		dispatcher:        d.Dispatcher,
		regenerationLimit: d.RegenerationLimit,
		presignExpiry:     d.PresignExpiry,
		logger:            d.Logger.With().Str("component", "personalization_service").Logger(),
	}
}

// CreateFromUpload stores the child photo, creates the job and queues
// photo analysis.
func (s *PersonalizationService) CreateFromUpload(ctx context.Context, userID string, req *model.CreatePersonalizationRequest, photo []byte) (*model.PersonalizationResponse, error) {
	if _, err := s.manifests.Load(ctx, req.Slug); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	uri, err := s.uploads.StorePhoto(ctx, photo, func(ext string) string {
		return pipeline.ChildPhotoKey(jobID, ext)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:            jobID,
		UserID:        userID,
		Slug:          req.Slug,
		Status:        model.JobStatusPendingAnalysis,
		ChildPhotoURI: uri,
		ChildName:     req.ChildName,
		ChildAge:      req.ChildAge,
		ChildGender:   req.ChildGender,
		Analysis: model.AnalysisMetadata{
			Budget: model.RegenerationBudget{Limit: s.regenerationLimit},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.dispatcher.EnqueueAnalysis(ctx, jobID); err != nil {
		return nil, err
	}

	s.logger.Info().Str("job_id", jobID).Str("slug", req.Slug).Msg("Personalization created")
	return &model.PersonalizationResponse{JobID: jobID, Status: job.Status, CreatedAt: now}, nil
}

// ReplaceAvatar swaps the child photo before the preview is generated and
// runs analysis again.
func (s *PersonalizationService) ReplaceAvatar(ctx context.Context, jobID, userID string, photo []byte) (*model.PersonalizationResponse, error) {
	job, err := loadOwned(ctx, s.jobs, jobID, userID)
	if err != nil {
		return nil, err
	}
	if !job.Status.In(model.JobStatusPendingAnalysis, model.JobStatusAnalysisFailed, model.JobStatusAnalyzingCompleted) {
		return nil, &model.InvalidJobStateError{JobID: jobID, Current: job.Status, Reason: "photo can only be replaced before the preview"}
	}

	uri, err := s.uploads.StorePhoto(ctx, photo, func(ext string) string {
		return pipeline.ChildPhotoKey(jobID, ext)
	})
	if err != nil {
		return nil, err
	}

	job, err = updateOwned(ctx, s.jobs, jobID, userID, func(job *model.Job) error {
		job.ChildPhotoURI = uri
		job.CommonPrompt = ""
		job.Analysis.Result = model.AnalysisResult{}
		if job.Status == model.JobStatusPendingAnalysis {
			return nil
		}
		return job.Transition(model.JobStatusPendingAnalysis)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.EnqueueAnalysis(ctx, jobID); err != nil {
		return nil, err
	}
	return &model.PersonalizationResponse{JobID: jobID, Status: job.Status}, nil
}

// Confirm records the child details and starts the prepay stage.
func (s *PersonalizationService) Confirm(ctx context.Context, jobID, userID string, req *model.ConfirmRequest) (*model.PersonalizationResponse, error) {
	job, err := updateOwned(ctx, s.jobs, jobID, userID, func(job *model.Job) error {
		if !job.Status.In(model.JobStatusAnalyzingCompleted, model.JobStatusPreviewReady) {
			return &model.InvalidJobStateError{JobID: jobID, Current: job.Status, Wanted: model.JobStatusPrepayPending}
		}
		job.ChildName = req.ChildName
		if req.ChildAge != nil {
			job.ChildAge = req.ChildAge
		}
		if req.ChildGender != "" {
			job.ChildGender = req.ChildGender
		}
		return job.Transition(model.JobStatusPrepayPending)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.EnqueueFullStage(ctx, jobID, model.StagePrepay); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Msg("Prepay stage queued")
	return &model.PersonalizationResponse{JobID: jobID, Status: job.Status}, nil
}

// ConfirmPurchase is called once the order is paid: the job is confirmed
// and the postpay stage queued. Calling it again on a confirmed job queues
// the stage again.
func (s *PersonalizationService) ConfirmPurchase(ctx context.Context, jobID string) (*model.PersonalizationResponse, error) {
	job, err := updateOwned(ctx, s.jobs, jobID, "", func(job *model.Job) error {
		if job.Status == model.JobStatusConfirmed {
			return nil
		}
		return job.Transition(model.JobStatusConfirmed)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.EnqueueFullStage(ctx, jobID, model.StagePostpay); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Msg("Postpay stage queued")
	return &model.PersonalizationResponse{JobID: jobID, Status: job.Status}, nil
}

// Cancel moves the job to cancelled. Work already running is not
// interrupted; workers skip the job from their next step on.
func (s *PersonalizationService) Cancel(ctx context.Context, jobID, userID string) (*model.PersonalizationResponse, error) {
	job, err := updateOwned(ctx, s.jobs, jobID, userID, func(job *model.Job) error {
		return job.Transition(model.JobStatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Msg("Personalization cancelled")
	return &model.PersonalizationResponse{JobID: jobID, Status: job.Status}, nil
}

// Status returns the status projection with links to the current pages of
// the visible stage.
func (s *PersonalizationService) Status(ctx context.Context, jobID, userID string) (*model.PersonalizationStatusResponse, error) {
	job, err := loadOwned(ctx, s.jobs, jobID, userID)
	if err != nil {
		return nil, err
	}

	stage := VisibleStage(job.Status)
	resp := &model.PersonalizationStatusResponse{
		JobID:             job.ID,
		Slug:              job.Slug,
		Status:            job.Status,
		Stage:             stage,
		FaceDetected:      job.Analysis.Result.FaceDetected,
		AnalysisError:     job.Analysis.Result.Error,
		Budget:            model.NewBudgetView(job.Analysis.Budget),
		PageRegenerations: job.Analysis.PageRegenerations,
		Pages:             []model.PageView{},
		UpdatedAt:         job.UpdatedAt,
	}

	m, err := s.manifests.Load(ctx, job.Slug)
	if err != nil {
		return nil, err
	}
	finals, err := s.ledger.LatestByPage(ctx, job.ID, stage, model.ArtifactPageFinal)
	if err != nil {
		return nil, err
	}
	current := make(map[int]string, len(finals))
	for _, a := range finals {
		if a.PageNum != nil {
			current[*a.PageNum] = a.S3URI
		}
	}

	for _, n := range s.resolver.Pages(m, stage) {
		view := model.PageView{PageNum: n}
		if uri, ok := current[n]; ok {
			url, err := s.uploads.GetSignedURL(ctx, uri, s.presignExpiry)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Int("page_num", n).Msg("Failed to sign page URL")
			} else {
				view.URL = url
				view.Ready = true
			}
		}
		resp.Pages = append(resp.Pages, view)
	}
	return resp, nil
}

// PageRegenerations lists the page-scoped regeneration records by page.
func (s *PersonalizationService) PageRegenerations(ctx context.Context, jobID, userID string) (*model.PageRegenerationsResponse, error) {
	job, err := loadOwned(ctx, s.jobs, jobID, userID)
	if err != nil {
		return nil, err
	}

	records := make([]model.RegenerationRecord, 0, len(job.Analysis.PageRegenerations))
	for _, rec := range job.Analysis.PageRegenerations {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PageNum < records[j].PageNum })

	return &model.PageRegenerationsResponse{
		JobID:   job.ID,
		Budget:  model.NewBudgetView(job.Analysis.Budget),
		Records: records,
	}, nil
}

// Artifacts lists every ledger row of a job.
func (s *PersonalizationService) Artifacts(ctx context.Context, jobID, userID string) (*model.ArtifactsResponse, error) {
	if _, err := loadOwned(ctx, s.jobs, jobID, userID); err != nil {
		return nil, err
	}
	rows, err := s.ledger.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.JobArtifact{}
	}
	return &model.ArtifactsResponse{JobID: jobID, Artifacts: rows}, nil
}

// Purge deletes every job and ledger row, then the objects they referenced.
// Objects that fail to delete are logged and left behind.
func (s *PersonalizationService) Purge(ctx context.Context) (model.PurgeResult, error) {
	if s.purger == nil {
		return model.PurgeResult{}, fmt.Errorf("purge is not supported by this repository")
	}
	res, err := s.purger.PurgeAll(ctx)
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool, len(res.URIs))
	for _, uri := range res.URIs {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		if err := s.uploads.Delete(ctx, uri); err != nil {
			s.logger.Warn().Err(err).Str("uri", uri).Msg("Failed to delete purged object")
			continue
		}
		res.Objects++
	}
	s.logger.Warn().Int64("jobs", res.Jobs).Int64("artifacts", res.Artifacts).Int64("objects", res.Objects).Msg("Purged all jobs")
	return res, nil
}
