package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/model"
)

const analyzedCommonPrompt = "child portrait, neutral, high quality"

// Analyzer checks the uploaded photo for a face and stores the crop used by
// every later face swap.
type Analyzer struct {
	stageRunner
	faces      client.FaceService
	maxRetries uint
	retryDelay time.Duration
}

func NewAnalyzer(d Deps, faces client.FaceService, maxRetries uint, retryDelay time.Duration) *Analyzer {
	return &Analyzer{
		stageRunner: newStageRunner(d, "analyzer"),
		faces:       faces,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
	}
}

// Analyze runs photo analysis for a job. A photo without a face is an
// outcome, not an error: the job ends in analysis_failed.
func (a *Analyzer) Analyze(ctx context.Context, jobID string) error {
	err := a.analyze(ctx, jobID)
	if errors.Is(err, errJobCancelled) {
		a.log.Info().Str("job_id", jobID).Msg("Job cancelled, skipping analysis")
		return nil
	}
	return err
}

func (a *Analyzer) analyze(ctx context.Context, jobID string) error {
	job, err := a.update(ctx, jobID, func(job *model.Job) error {
		job.Analysis.Result = model.AnalysisResult{}
		return job.Transition(model.JobStatusAnalyzing)
	})
	if err != nil {
		return err
	}
	a.Notifier.JobStatus(jobID, model.JobStatusAnalyzing, model.StageAnalysis)

	if job.ChildPhotoURI == "" {
		return a.fail(ctx, jobID, "child photo is missing", errors.New("child photo is missing"))
	}
	photo, err := a.readImage(ctx, job.ChildPhotoURI)
	if err != nil {
		return a.fail(ctx, jobID, err.Error(), err)
	}

	var (
		found bool
		crop  image.Image
	)
	err = retry.Do(
		func() error {
			ok, err := a.faces.DetectFace(ctx, photo)
			if err != nil {
				return err
			}
			if found = ok; !found {
				return nil
			}
			crop, err = a.faces.CropFace(ctx, photo)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(a.maxRetries+1),
		retry.Delay(a.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(model.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn().Err(err).Str("job_id", jobID).Uint("retry", n+1).Msg("Analysis transient failure, retrying")
			if _, uerr := a.update(ctx, jobID, func(job *model.Job) error {
				job.Analysis.Result.Retrying = true
				job.Analysis.Result.RetryCount = int(n) + 1
				job.Analysis.Result.RetryError = err.Error()
				return job.Transition(model.JobStatusAnalyzing)
			}); uerr != nil {
				a.log.Error().Err(uerr).Str("job_id", jobID).Msg("Failed to record analysis retry")
			}
		}),
	)
	if err != nil {
		return a.fail(ctx, jobID, err.Error(), err)
	}
	if !found {
		a.log.Info().Str("job_id", jobID).Msg("No face detected in photo")
		return a.fail(ctx, jobID, model.ErrNoFaceDetected.Error(), nil)
	}

	uri, err := a.writePNG(ctx, CropKey(jobID), crop, 0)
	if err != nil {
		return a.fail(ctx, jobID, err.Error(), err)
	}
	if err := a.appendArtifact(ctx, jobID, model.StageAnalysis, model.ArtifactAvatarCrop, nil, uri, nil); err != nil {
		return a.fail(ctx, jobID, err.Error(), err)
	}

	if _, err := a.update(ctx, jobID, func(job *model.Job) error {
		job.Analysis.Result = model.AnalysisResult{FaceDetected: true, FaceCropURI: uri}
		job.CommonPrompt = analyzedCommonPrompt
		return job.Transition(model.JobStatusAnalyzingCompleted)
	}); err != nil {
		return err
	}
	a.Notifier.JobStatus(jobID, model.JobStatusAnalyzingCompleted, model.StageAnalysis)
	a.log.Info().Str("job_id", jobID).Str("crop", uri).Msg("Analysis completed")
	return nil
}

// fail records the analysis error and moves the job to analysis_failed.
// cause is returned so the task reports it; nil means a clean outcome.
func (a *Analyzer) fail(ctx context.Context, jobID, reason string, cause error) error {
	if cause != nil {
		a.log.Error().Err(cause).Str("job_id", jobID).Msg("Analysis failed")
	}
	if _, err := a.update(ctx, jobID, func(job *model.Job) error {
		job.Analysis.Result.FaceDetected = false
		job.Analysis.Result.Error = reason
		job.Analysis.Result.Retrying = false
		return job.Transition(model.JobStatusAnalysisFailed)
	}); err != nil {
		return err
	}
	a.Notifier.JobStatus(jobID, model.JobStatusAnalysisFailed, model.StageAnalysis)
	return cause
}
