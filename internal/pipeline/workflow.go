package pipeline

import (
	"context"
	"fmt"

	"github.com/taleforge/api/internal/model"
)

// Step is one unit of the stage workflow, run as its own task.
type Step string

const (
	StepBackground Step = "background"
	StepRender     Step = "render"
)

// StageWorkflow is the ordered list of steps a stage run goes through.
var StageWorkflow = []Step{StepBackground, StepRender}

// Next returns the step that continues after step, if any.
func Next(step Step) (Step, bool) {
	for i, s := range StageWorkflow {
		if s == step && i+1 < len(StageWorkflow) {
			return StageWorkflow[i+1], true
		}
	}
	return "", false
}

// EntryStep is where a run starts: stages without face swap skip the
// background step since the renderer derives those backgrounds itself.
func EntryStep(hasFaceSwap bool) Step {
	if hasFaceSwap {
		return StepBackground
	}
	return StepRender
}

// Scope identifies what a workflow run works on. It travels unchanged
// through every step.
type Scope struct {
	JobID            string      `json:"jobId"`
	Stage            model.Stage `json:"stage"`
	PageNum          *int        `json:"pageNum,omitempty"`
	RandomizeSeed    bool        `json:"randomizeSeed,omitempty"`
	OverridePhotoURI string      `json:"overridePhotoUri,omitempty"`
}

// FullStage reports whether the run covers the whole stage rather than one
// regenerated page.
func (s Scope) FullStage() bool {
	return s.PageNum == nil
}

func (s Scope) String() string {
	if s.PageNum != nil {
		return fmt.Sprintf("%s/%s/page %d", s.JobID, s.Stage, *s.PageNum)
	}
	return fmt.Sprintf("%s/%s", s.JobID, s.Stage)
}

// Scheduler enqueues a workflow step for a scope.
type Scheduler interface {
	Schedule(ctx context.Context, step Step, scope Scope) error
}

// Notifier receives progress events for live clients.
type Notifier interface {
	JobStatus(jobID string, status model.JobStatus, stage model.Stage)
	PageStatus(jobID string, stage model.Stage, pageNum int, status model.PageRegenerationStatus)
}

type nopNotifier struct{}

func (nopNotifier) JobStatus(string, model.JobStatus, model.Stage) {}

func (nopNotifier) PageStatus(string, model.Stage, int, model.PageRegenerationStatus) {}
