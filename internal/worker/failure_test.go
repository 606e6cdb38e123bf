package worker

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
	"github.com/taleforge/api/pkg/imageutil"
)

const postpayManifest = `{
  "positive_prompt": "storybook",
  "output": {"page_size_px": 16},
  "pages": [
    {"page_num": 1, "base_uri": "s3://books/templates/fox/page_01.png", "needs_face_swap": true}
  ]
}`

type failingFaces struct {
	swaps int
}

func (f *failingFaces) SwapFace(context.Context, *client.SwapRequest) (image.Image, error) {
	f.swaps++
	return nil, &model.FaceSwapHardError{Op: "swap", Err: errors.New("gpu gone")}
}

func (f *failingFaces) DetectFace(context.Context, image.Image) (bool, error) { return true, nil }

func (f *failingFaces) CropFace(_ context.Context, img image.Image) (image.Image, error) {
	return img, nil
}

type countingScheduler struct {
	calls int
}

func (s *countingScheduler) Schedule(context.Context, pipeline.Step, pipeline.Scope) error {
	s.calls++
	return nil
}

func pngBytes(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	data, err := imageutil.EncodePNG(img, 0)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestBackgroundWorker_PostpayFailureIsFinal(t *testing.T) {
	ctx := context.Background()
	store := client.NewMemoryStorage("books")
	store.Put(ctx, book.ManifestKey("fox"), []byte(postpayManifest), "application/json")
	store.Put(ctx, "templates/fox/page_01.png", pngBytes(t, 20), "image/png")
	store.Put(ctx, "avatars/job-1_crop.png", pngBytes(t, 8), "image/png")

	jobs := repository.NewMemoryJobRepository()
	err := jobs.Create(ctx, &model.Job{
		ID:     "job-1",
		Slug:   "fox",
		Status: model.JobStatusConfirmed,
		Analysis: model.AnalysisMetadata{
			Result: model.AnalysisResult{FaceDetected: true, FaceCropURI: "s3://books/avatars/job-1_crop.png"},
			Budget: model.RegenerationBudget{Limit: 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	faces := &failingFaces{}
	sched := &countingScheduler{}
	builder := pipeline.NewBackgroundBuilder(pipeline.Deps{
		Jobs:      jobs,
		Ledger:    repository.NewMemoryArtifactLedger(jobs),
		Storage:   store,
		Manifests: book.NewLoader(store),
		Resolver:  book.NewResolver(book.FlaggedOrFirstN(2)),
		Logger:    zerolog.Nop(),
	}, faces, sched, "")

	task, _, err := newStepTask(pipeline.StepBackground, pipeline.Scope{JobID: "job-1", Stage: model.StagePostpay})
	if err != nil {
		t.Fatal(err)
	}

	err = NewBackgroundWorker(builder, zerolog.Nop()).ProcessTask(ctx, task)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("recorded failure must not be retried: %v", err)
	}
	var hard *model.FaceSwapHardError
	if !errors.As(err, &hard) {
		t.Errorf("face swap error lost: %v", err)
	}

	job, _ := jobs.Get(ctx, "job-1")
	if job.Status != model.JobStatusGenerationFailed {
		t.Errorf("status = %s, want generation_failed", job.Status)
	}
	if faces.swaps != 1 || sched.calls != 0 {
		t.Errorf("swaps = %d, render scheduled %d times", faces.swaps, sched.calls)
	}
}
