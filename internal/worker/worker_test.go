package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/repository"
)

type enqueued struct {
	task     *asynq.Task
	queue    string
	maxRetry int
}

type fakeEnqueuer struct {
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := enqueued{task: task}
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.QueueOpt:
			e.queue = opt.Value().(string)
		case asynq.MaxRetryOpt:
			e.maxRetry = opt.Value().(int)
		}
	}
	f.tasks = append(f.tasks, e)
	return &asynq.TaskInfo{ID: "task-1", Queue: e.queue}, nil
}

type staticManifests struct {
	m *book.Manifest
}

func (s staticManifests) Load(context.Context, string) (*book.Manifest, error) {
	return s.m, nil
}

func newTestDispatcher(t *testing.T, manifest string) (*Dispatcher, *fakeEnqueuer) {
	t.Helper()
	m, err := book.Parse([]byte(manifest), "fox")
	if err != nil {
		t.Fatal(err)
	}
	jobs := repository.NewMemoryJobRepository()
	if err := jobs.Create(context.Background(), &model.Job{ID: "job-1", Slug: "fox", Status: model.JobStatusPrepayPending}); err != nil {
		t.Fatal(err)
	}
	enq := &fakeEnqueuer{}
	return NewDispatcher(enq, jobs, staticManifests{m}, book.NewResolver(book.FlaggedOrFirstN(2)), zerolog.Nop()), enq
}

const faceManifest = `{
  "positive_prompt": "storybook",
  "pages": [
    {"page_num": 1, "base_uri": "s3://b/p1.png", "text_layers": [{"text_key": "Title"}]},
    {"page_num": 2, "base_uri": "s3://b/p2.png", "needs_face_swap": true}
  ]
}`

const textOnlyManifest = `{
  "positive_prompt": "storybook",
  "pages": [
    {"page_num": 1, "base_uri": "s3://b/p1.png"},
    {"page_num": 2, "base_uri": "s3://b/p2.png"},
    {"page_num": 3, "base_uri": "s3://b/p3.png", "needs_face_swap": true}
  ]
}`

func TestQueueFor(t *testing.T) {
	tests := []struct {
		taskType string
		stage    model.Stage
		want     string
	}{
		{TaskTypeAnalyzePhoto, model.StageAnalysis, QueueAnalysis},
		{TaskTypeBuildBackgrounds, model.StagePrepay, QueueFaceSwapPrepay},
		{TaskTypeBuildBackgrounds, model.StagePostpay, QueueFaceSwapPostpay},
		{TaskTypeRenderPages, model.StagePrepay, QueueRender},
		{TaskTypeRenderPages, model.StagePostpay, QueueRender},
	}
	for _, tt := range tests {
		if got := QueueFor(tt.taskType, tt.stage); got != tt.want {
			t.Errorf("QueueFor(%s, %s) = %s, want %s", tt.taskType, tt.stage, got, tt.want)
		}
	}
}

func TestDispatcher_FullStageEntry(t *testing.T) {
	d, enq := newTestDispatcher(t, faceManifest)
	if err := d.EnqueueFullStage(context.Background(), "job-1", model.StagePostpay); err != nil {
		t.Fatal(err)
	}
	if len(enq.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(enq.tasks))
	}
	got := enq.tasks[0]
	if got.task.Type() != TaskTypeBuildBackgrounds || got.queue != QueueFaceSwapPostpay || got.maxRetry != 2 {
		t.Errorf("unexpected task %s on %s retry %d", got.task.Type(), got.queue, got.maxRetry)
	}

	var scope pipeline.Scope
	if err := json.Unmarshal(got.task.Payload(), &scope); err != nil {
		t.Fatal(err)
	}
	if scope.JobID != "job-1" || scope.Stage != model.StagePostpay || !scope.FullStage() {
		t.Errorf("payload = %+v", scope)
	}
}

func TestDispatcher_TextOnlyStageStartsAtRender(t *testing.T) {
	d, enq := newTestDispatcher(t, textOnlyManifest)
	if err := d.EnqueueFullStage(context.Background(), "job-1", model.StagePrepay); err != nil {
		t.Fatal(err)
	}
	if got := enq.tasks[0]; got.task.Type() != TaskTypeRenderPages || got.queue != QueueRender {
		t.Errorf("unexpected task %s on %s", got.task.Type(), got.queue)
	}
}

func TestDispatcher_PageScopeKeepsFields(t *testing.T) {
	d, enq := newTestDispatcher(t, faceManifest)
	page := 2
	scope := pipeline.Scope{JobID: "job-1", Stage: model.StagePrepay, PageNum: &page, RandomizeSeed: true, OverridePhotoURI: "s3://b/uploads/x.png"}
	if err := d.Enqueue(context.Background(), scope); err != nil {
		t.Fatal(err)
	}

	var got pipeline.Scope
	json.Unmarshal(enq.tasks[0].task.Payload(), &got)
	if got.PageNum == nil || *got.PageNum != 2 || !got.RandomizeSeed || got.OverridePhotoURI != scope.OverridePhotoURI {
		t.Errorf("scope not carried: %+v", got)
	}

	missing := 9
	err := d.Enqueue(context.Background(), pipeline.Scope{JobID: "job-1", Stage: model.StagePrepay, PageNum: &missing})
	if !model.IsInvalidState(err) {
		t.Errorf("expected invalid state for unknown page, got %v", err)
	}
}

func TestDispatcher_Analysis(t *testing.T) {
	d, enq := newTestDispatcher(t, faceManifest)
	if err := d.EnqueueAnalysis(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	got := enq.tasks[0]
	if got.task.Type() != TaskTypeAnalyzePhoto || got.queue != QueueAnalysis || got.maxRetry != 0 {
		t.Errorf("unexpected task %s on %s retry %d", got.task.Type(), got.queue, got.maxRetry)
	}
}

func TestDispatcher_EnqueueError(t *testing.T) {
	d, enq := newTestDispatcher(t, faceManifest)
	enq.err = errors.New("redis down")
	if err := d.EnqueueAnalysis(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error")
	}
}

type fakeRenderer struct {
	scope pipeline.Scope
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, scope pipeline.Scope) error {
	f.scope = scope
	return f.err
}

func TestRenderWorker_ProcessTask(t *testing.T) {
	r := &fakeRenderer{}
	w := NewRenderWorker(r, zerolog.Nop())

	if err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRenderPages, []byte(`{"jobId":"job-1","stage":"postpay","pageNum":4}`))); err != nil {
		t.Fatal(err)
	}
	if r.scope.JobID != "job-1" || r.scope.Stage != model.StagePostpay || *r.scope.PageNum != 4 {
		t.Errorf("scope = %+v", r.scope)
	}
}

func TestRenderWorker_SkipRetry(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		err     error
		skip    bool
	}{
		{"bad json", `{`, nil, true},
		{"unknown stage", `{"jobId":"j","stage":"draft"}`, nil, true},
		{"not found", `{"jobId":"j","stage":"prepay"}`, &model.JobNotFoundError{JobID: "j"}, true},
		{"invalid state", `{"jobId":"j","stage":"prepay"}`, &model.InvalidJobStateError{JobID: "j", Current: model.JobStatusCompleted}, true},
		{"bad manifest", `{"jobId":"j","stage":"prepay"}`, &model.ManifestValidationError{Slug: "fox", Reason: "x"}, true},
		{"recorded failure", `{"jobId":"j","stage":"prepay"}`, &pipeline.FailureRecordedError{Err: &model.StorageError{Op: "put", Key: "k", Err: errors.New("x")}}, true},
		{"unrecorded failure", `{"jobId":"j","stage":"prepay"}`, &model.FaceSwapHardError{Op: "swap", Err: errors.New("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewRenderWorker(&fakeRenderer{err: tt.err}, zerolog.Nop())
			err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRenderPages, []byte(tt.payload)))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, asynq.SkipRetry) != tt.skip {
				t.Errorf("SkipRetry = %v, want %v (%v)", !tt.skip, tt.skip, err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("original error lost: %v", err)
			}
		})
	}
}

type fakeAnalyzer struct {
	jobID string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, jobID string) error {
	f.jobID = jobID
	return nil
}

func TestAnalysisWorker_ProcessTask(t *testing.T) {
	a := &fakeAnalyzer{}
	w := NewAnalysisWorker(a, zerolog.Nop())
	if err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeAnalyzePhoto, []byte(`{"jobId":"job-7"}`))); err != nil {
		t.Fatal(err)
	}
	if a.jobID != "job-7" {
		t.Errorf("job id = %q", a.jobID)
	}

	err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeAnalyzePhoto, []byte(`{}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("empty payload should skip retry, got %v", err)
	}
}
