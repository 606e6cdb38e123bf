package pipeline

import (
	"context"
	"fmt"
	"image"
	"strconv"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/pkg/imageutil"
)

// Compositor draws text layers over a page background.
type Compositor interface {
	Composite(ctx context.Context, bg image.Image, layers []book.TextLayer, vars map[string]string, size int) (image.Image, error)
}

// PageRenderer turns page backgrounds into final pages.
type PageRenderer struct {
	stageRunner
	compositor Compositor
}

func NewPageRenderer(d Deps, compositor Compositor) *PageRenderer {
	return &PageRenderer{
		stageRunner: newStageRunner(d, "page_renderer"),
		compositor:  compositor,
	}
}

// Render runs the render step for scope.
func (p *PageRenderer) Render(ctx context.Context, scope Scope) error {
	return p.finish(ctx, scope, p.render(ctx, scope))
}

func (p *PageRenderer) render(ctx context.Context, scope Scope) error {
	job, m, pages, err := p.prepare(ctx, scope)
	if err != nil {
		return err
	}
	if job == nil {
		return errJobCancelled
	}

	if job, err = p.enter(ctx, scope, model.PageRegenRendering); err != nil {
		return err
	}

	vars := TemplateVars(job)
	size := m.Output.PageSizePx

	var firstURI string
	for _, n := range pages {
		page, ok := m.PageByNum(n)
		if !ok {
			return &model.ManifestValidationError{Slug: m.Slug, Reason: fmt.Sprintf("no page %d", n)}
		}

		bg, err := p.pageBackground(ctx, job.ID, scope.Stage, m, page)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}

		final := bg
		if len(page.TextLayers) > 0 {
			if final, err = p.compositor.Composite(ctx, bg, page.TextLayers, vars, size); err != nil {
				return fmt.Errorf("page %d: %w", n, err)
			}
		}

		uri, err := p.writePNG(ctx, PageKey(job.ID, n), final, m.Output.DPI)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		if err := p.appendArtifact(ctx, job.ID, scope.Stage, model.ArtifactPageFinal, pageNumPtr(n), uri, nil); err != nil {
			return err
		}
		if firstURI == "" {
			firstURI = uri
		}
		if scope.FullStage() {
			p.Notifier.PageStatus(job.ID, scope.Stage, n, model.PageRegenCompleted)
		}
	}

	if !scope.FullStage() {
		_, err := p.setPage(ctx, scope, model.PageRegenCompleted, "")
		return err
	}

	ready := model.ReadyStatus(scope.Stage)
	if _, err := p.update(ctx, job.ID, func(job *model.Job) error {
		if scope.Stage == model.StagePostpay && firstURI != "" {
			job.ResultURI = firstURI
		}
		return job.Transition(ready)
	}); err != nil {
		return err
	}
	p.Notifier.JobStatus(job.ID, ready, scope.Stage)
	p.log.Info().Str("scope", scope.String()).Int("pages", len(pages)).Msg("Stage rendered")
	return nil
}

// pageBackground returns the background a page is rendered on. Face swap
// pages use the stored background; other pages derive it from the base
// image and record it.
func (p *PageRenderer) pageBackground(ctx context.Context, jobID string, stage model.Stage, m *book.Manifest, page *book.PageSpec) (image.Image, error) {
	size := m.Output.PageSizePx
	key := BackgroundKey(jobID, page.PageNum)

	if page.NeedsFaceSwap {
		data, err := p.Storage.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		img, err := imageutil.Decode(data)
		if err != nil {
			return nil, err
		}
		if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
			img = imageutil.ResizeSquare(img, size)
		}
		return img, nil
	}

	base, source, err := p.loadIllustration(ctx, page.BaseURI)
	if err != nil {
		return nil, err
	}
	bg := imageutil.ResizeSquare(base, size)
	uri, err := p.writePNG(ctx, key, bg, m.Output.DPI)
	if err != nil {
		return nil, err
	}
	if err := p.appendArtifact(ctx, jobID, stage, model.ArtifactPageBackground, pageNumPtr(page.PageNum), uri, map[string]interface{}{"source": "base", "illustration": source}); err != nil {
		return nil, err
	}
	return bg, nil
}

// TemplateVars are the values text layers can reference.
func TemplateVars(job *model.Job) map[string]string {
	age := ""
	if job.ChildAge != nil {
		age = strconv.Itoa(*job.ChildAge)
	}
	return map[string]string{
		"child_name":   job.ChildName,
		"child_age":    age,
		"child_gender": string(job.ChildGender),
	}
}
