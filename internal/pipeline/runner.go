package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/metrics"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/repository"
	"github.com/taleforge/api/pkg/imageutil"
)

// ObjectStore is the part of the storage client the pipeline uses.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetURI(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	URI(key string) string
}

// ManifestSource loads book manifests by slug.
type ManifestSource interface {
	Load(ctx context.Context, slug string) (*book.Manifest, error)
}

// Deps are the collaborators shared by every pipeline step.
type Deps struct {
	Jobs      repository.JobRepository
	Ledger    repository.ArtifactLedger
	Storage   ObjectStore
	Manifests ManifestSource
	Resolver  *book.Resolver
	Notifier  Notifier
	Logger    zerolog.Logger
}

var errJobCancelled = errors.New("job cancelled")

// FailureRecordedError is returned by a step whose failure has already been
// written to the job or page record. Running the step again would move the
// job out of generation_failed without a user request.
type FailureRecordedError struct {
	Scope Scope
	Err   error
}

func (e *FailureRecordedError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Scope, e.Err)
}

func (e *FailureRecordedError) Unwrap() error {
	return e.Err
}

// IsFailureRecorded reports whether err carries a FailureRecordedError.
func IsFailureRecorded(err error) bool {
	var fr *FailureRecordedError
	return errors.As(err, &fr)
}

type stageRunner struct {
	Deps
	log zerolog.Logger
}

func newStageRunner(d Deps, component string) stageRunner {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Resolver == nil {
		d.Resolver = book.NewResolver(nil)
	}
	return stageRunner{Deps: d, log: d.Logger.With().Str("component", component).Logger()}
}

// update reloads the job, applies fn and writes it back so concurrent
// writers only lose fields they both touch.
func (r *stageRunner) update(ctx context.Context, jobID string, fn func(job *model.Job) error) (*model.Job, error) {
	job, err := r.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusCancelled {
		return nil, errJobCancelled
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := r.Jobs.Update(ctx, job); err != nil {
		var is *model.InvalidJobStateError
		if errors.As(err, &is) && is.Current == model.JobStatusCancelled {
			return nil, errJobCancelled
		}
		return nil, err
	}
	return job, nil
}

// prepare loads the job and manifest and resolves the pages of the scope.
// A nil job with a nil error means the job was cancelled.
func (r *stageRunner) prepare(ctx context.Context, scope Scope) (*model.Job, *book.Manifest, []int, error) {
	job, err := r.Jobs.Get(ctx, scope.JobID)
	if err != nil {
		return nil, nil, nil, err
	}
	if job.Status == model.JobStatusCancelled {
		return nil, nil, nil, nil
	}

	m, err := r.Manifests.Load(ctx, job.Slug)
	if err != nil {
		return nil, nil, nil, err
	}

	pages := r.Resolver.Pages(m, scope.Stage)
	if !scope.FullStage() {
		if !r.Resolver.Contains(m, scope.Stage, *scope.PageNum) {
			return nil, nil, nil, &model.InvalidJobStateError{
				JobID:   job.ID,
				Current: job.Status,
				Reason:  fmt.Sprintf("page %d is not part of stage %s", *scope.PageNum, scope.Stage),
			}
		}
		pages = []int{*scope.PageNum}
	}
	return job, m, pages, nil
}

// enter marks the start of a step: the stage moves to generating for full
// runs, the page record moves to pageStatus otherwise.
func (r *stageRunner) enter(ctx context.Context, scope Scope, pageStatus model.PageRegenerationStatus) (*model.Job, error) {
	if scope.FullStage() {
		status := model.GeneratingStatus(scope.Stage)
		job, err := r.update(ctx, scope.JobID, func(job *model.Job) error {
			return job.Transition(status)
		})
		if err == nil {
			r.Notifier.JobStatus(scope.JobID, status, scope.Stage)
		}
		return job, err
	}
	return r.setPage(ctx, scope, pageStatus, "")
}

func (r *stageRunner) setPage(ctx context.Context, scope Scope, status model.PageRegenerationStatus, errMsg string) (*model.Job, error) {
	job, err := r.update(ctx, scope.JobID, func(job *model.Job) error {
		job.SetPageRegeneration(*scope.PageNum, scope.Stage, status, errMsg)
		return nil
	})
	if err == nil {
		r.Notifier.PageStatus(scope.JobID, scope.Stage, *scope.PageNum, status)
	}
	return job, err
}

// finish turns the outcome of a step into job state. Cancellation is not an
// error; other failures mark the stage or the page as failed and come back
// as a FailureRecordedError.
func (r *stageRunner) finish(ctx context.Context, scope Scope, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errJobCancelled) {
		r.log.Info().Str("scope", scope.String()).Msg("Job cancelled, skipping")
		return nil
	}
	var nf *model.JobNotFoundError
	if errors.As(err, &nf) {
		return err
	}

	r.log.Error().Err(err).Str("scope", scope.String()).Msg("Stage step failed")

	if scope.FullStage() {
		_, markErr := r.update(ctx, scope.JobID, func(job *model.Job) error {
			return job.Transition(model.JobStatusGenerationFailed)
		})
		if markErr == nil {
			r.Notifier.JobStatus(scope.JobID, model.JobStatusGenerationFailed, scope.Stage)
		}
		return r.failed(scope, err, markErr, "Failed to mark job as failed")
	}

	_, markErr := r.setPage(ctx, scope, model.PageRegenFailed, err.Error())
	return r.failed(scope, err, markErr, "Failed to mark page as failed")
}

// failed returns the step error once the failure is recorded. When the
// record could not be written the raw error goes back to the queue so a
// retry can try again.
func (r *stageRunner) failed(scope Scope, err, markErr error, msg string) error {
	switch {
	case markErr == nil:
		return &FailureRecordedError{Scope: scope, Err: err}
	case errors.Is(markErr, errJobCancelled):
		r.log.Info().Str("scope", scope.String()).Msg("Job cancelled while failing, skipping")
		return nil
	default:
		r.log.Error().Err(markErr).Str("scope", scope.String()).Msg(msg)
		return err
	}
}

func (r *stageRunner) readImage(ctx context.Context, uri string) (image.Image, error) {
	data, err := r.Storage.GetURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	return imageutil.Decode(data)
}

// loadIllustration reads a template image, trying the other raster
// extension when the exact key is missing. It returns the key that matched.
func (r *stageRunner) loadIllustration(ctx context.Context, baseURI string) (image.Image, string, error) {
	bucket, key, err := client.ParseURI(baseURI)
	if err != nil {
		return nil, "", &model.StorageError{Op: "get", Key: baseURI, Err: err}
	}

	var errs []error
	for _, candidate := range illustrationCandidates(key) {
		img, err := r.readImage(ctx, joinURI(bucket, candidate))
		if err == nil {
			return img, candidate, nil
		}
		errs = append(errs, err)
	}
	return nil, "", &model.StorageError{Op: "get", Key: key, Err: errors.Join(errs...)}
}

// loadMask returns the sidecar mask of an illustration, or nil.
func (r *stageRunner) loadMask(ctx context.Context, baseURI, key string) image.Image {
	bucket, _, err := client.ParseURI(baseURI)
	if err != nil {
		return nil
	}
	for _, candidate := range maskCandidates(key) {
		if img, err := r.readImage(ctx, joinURI(bucket, candidate)); err == nil {
			return img
		}
	}
	return nil
}

func (r *stageRunner) writePNG(ctx context.Context, key string, img image.Image, dpi int) (string, error) {
	data, err := imageutil.EncodePNG(img, dpi)
	if err != nil {
		return "", err
	}
	return r.Storage.Put(ctx, key, data, "image/png")
}

func (r *stageRunner) appendArtifact(ctx context.Context, jobID string, stage model.Stage, kind model.ArtifactKind, pageNum *int, uri string, meta map[string]interface{}) error {
	a := &model.JobArtifact{
		JobID:   jobID,
		Stage:   stage,
		Kind:    kind,
		PageNum: pageNum,
		S3URI:   uri,
		Meta:    meta,
	}
	if err := r.Ledger.Append(ctx, a); err != nil {
		return fmt.Errorf("append artifact: %w", err)
	}
	if kind != model.ArtifactAvatarCrop {
		metrics.PagesWritten.WithLabelValues(string(stage), string(kind)).Inc()
	}
	return nil
}

func joinURI(bucket, key string) string {
	if bucket == "" {
		return key
	}
	return "s3://" + bucket + "/" + key
}

// AvatarURLToURI converts a path-style object URL (https://host/bucket/key)
// into an s3:// URI. It returns "" when the URL has no bucket and key.
func AvatarURLToURI(avatarURL string) string {
	if !strings.HasPrefix(avatarURL, "http") {
		return ""
	}
	u, err := url.Parse(avatarURL)
	if err != nil {
		return ""
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return ""
	}
	return "s3://" + bucket + "/" + key
}

func pageNumPtr(n int) *int {
	return &n
}
