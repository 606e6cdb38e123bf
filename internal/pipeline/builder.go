package pipeline

import (
	"context"
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/pkg/imageutil"
)

const maxSeed = 1<<31 - 1

// BackgroundBuilder produces the page backgrounds of a stage: face swapped
// illustrations, or the base images for pages without a face.
type BackgroundBuilder struct {
	stageRunner
	faces          client.FaceService
	scheduler      Scheduler
	negativePrompt string
	seed           func() int64
}

func NewBackgroundBuilder(d Deps, faces client.FaceService, scheduler Scheduler, negativePrompt string) *BackgroundBuilder {
	return &BackgroundBuilder{
		stageRunner:    newStageRunner(d, "background_builder"),
		faces:          faces,
		scheduler:      scheduler,
		negativePrompt: negativePrompt,
		seed:           func() int64 { return rand.Int64N(maxSeed) + 1 },
	}
}

// WithSeedSource replaces the random seed generator.
func (b *BackgroundBuilder) WithSeedSource(fn func() int64) *BackgroundBuilder {
	b.seed = fn
	return b
}

// Build runs the background step for scope and schedules the render step.
func (b *BackgroundBuilder) Build(ctx context.Context, scope Scope) error {
	return b.finish(ctx, scope, b.build(ctx, scope))
}

func (b *BackgroundBuilder) build(ctx context.Context, scope Scope) error {
	job, m, pages, err := b.prepare(ctx, scope)
	if err != nil {
		return err
	}
	if job == nil {
		return errJobCancelled
	}

	if job, err = b.enter(ctx, scope, model.PageRegenBgGenerating); err != nil {
		return err
	}

	var child image.Image
	if needsFaceSwap(m, pages) {
		if child, err = b.faceCrop(ctx, job, scope); err != nil {
			return err
		}
	}

	budgetFlag := job.Analysis.Budget.RandomizeSeed
	randomize := scope.RandomizeSeed || (scope.Stage == model.StagePrepay && budgetFlag)

	size := m.Output.PageSizePx
	for _, n := range pages {
		page, ok := m.PageByNum(n)
		if !ok {
			return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("no page %d", n)}
		}

		img, meta, err := b.background(ctx, job, m, page, child, randomize)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}

		uri, err := b.writePNG(ctx, BackgroundKey(job.ID, n), imageutil.ResizeSquare(img, size), m.Output.DPI)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		if err := b.appendArtifact(ctx, job.ID, scope.Stage, model.ArtifactPageBackground, pageNumPtr(n), uri, meta); err != nil {
			return err
		}
		b.log.Debug().Str("scope", scope.String()).Int("page", n).Str("uri", uri).Msg("Background written")
	}

	if randomize && budgetFlag {
		if _, err := b.update(ctx, job.ID, func(job *model.Job) error {
			job.Analysis.Budget.RandomizeSeed = false
			return nil
		}); err != nil {
			return err
		}
	}

	if !scope.FullStage() {
		if _, err := b.setPage(ctx, scope, model.PageRegenRenderQueued, ""); err != nil {
			return err
		}
	}

	next, ok := Next(StepBackground)
	if !ok {
		return nil
	}
	if err := b.scheduler.Schedule(ctx, next, scope); err != nil {
		return fmt.Errorf("schedule %s: %w", next, err)
	}
	return nil
}

func (b *BackgroundBuilder) background(ctx context.Context, job *model.Job, m *book.Manifest, page *book.PageSpec, child image.Image, randomize bool) (image.Image, map[string]interface{}, error) {
	target, key, err := b.loadIllustration(ctx, page.BaseURI)
	if err != nil {
		return nil, nil, err
	}
	if !page.NeedsFaceSwap {
		return target, map[string]interface{}{"source": "base", "illustration": key}, nil
	}

	req := &client.SwapRequest{
		Child:          child,
		Target:         target,
		Mask:           b.loadMask(ctx, page.BaseURI, key),
		Prompt:         book.PositivePrompt(m, page, job.CommonPrompt),
		NegativePrompt: book.NegativePrompt(page, b.negativePrompt),
	}
	meta := map[string]interface{}{"source": "face_swap", "illustration": key}
	if randomize {
		seed := b.seed()
		req.Seed = &seed
		meta["seed"] = seed
	}

	img, err := b.faces.SwapFace(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return img, meta, nil
}

// faceCrop returns the face crop to swap in. A page run may bring its own
// photo, which is cropped on the fly and never stored on the job. Jobs that
// predate analysis get their crop built and persisted here.
func (b *BackgroundBuilder) faceCrop(ctx context.Context, job *model.Job, scope Scope) (image.Image, error) {
	if scope.OverridePhotoURI != "" && !scope.FullStage() {
		photo, err := b.readImage(ctx, scope.OverridePhotoURI)
		if err != nil {
			return nil, err
		}
		return b.detectAndCrop(ctx, photo)
	}

	if uri := job.Analysis.Result.FaceCropURI; uri != "" {
		return b.readImage(ctx, uri)
	}

	source := job.ChildPhotoURI
	if source == "" {
		source = AvatarURLToURI(job.AvatarURL)
	}
	if source == "" {
		return nil, &model.InvalidJobStateError{JobID: job.ID, Current: job.Status, Reason: "child photo is missing"}
	}

	photo, err := b.readImage(ctx, source)
	if err != nil {
		return nil, err
	}
	crop, err := b.detectAndCrop(ctx, photo)
	if err != nil {
		return nil, err
	}

	uri, err := b.writePNG(ctx, CropKey(job.ID), crop, 0)
	if err != nil {
		return nil, err
	}
	if err := b.appendArtifact(ctx, job.ID, model.StageAnalysis, model.ArtifactAvatarCrop, nil, uri, nil); err != nil {
		return nil, err
	}
	if _, err := b.update(ctx, job.ID, func(job *model.Job) error {
		job.Analysis.Result.FaceDetected = true
		job.Analysis.Result.FaceCropURI = uri
		return nil
	}); err != nil {
		return nil, err
	}
	return crop, nil
}

func (b *BackgroundBuilder) detectAndCrop(ctx context.Context, photo image.Image) (image.Image, error) {
	found, err := b.faces.DetectFace(ctx, photo)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.ErrNoFaceDetected
	}
	return b.faces.CropFace(ctx, photo)
}

func needsFaceSwap(m *book.Manifest, pages []int) bool {
	for _, n := range pages {
		if p, ok := m.PageByNum(n); ok && p.NeedsFaceSwap {
			return true
		}
	}
	return false
}
