package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taleforge/api/internal/model"
)

// MemoryJobRepository keeps jobs in process. Jobs are stored as deep copies
// so callers never share state with the store.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*model.Job)}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobRepository) Get(_ context.Context, jobID string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, &model.JobNotFoundError{JobID: jobID}
	}
	return cloneJob(job), nil
}

func (r *MemoryJobRepository) Update(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return &model.JobNotFoundError{JobID: job.ID}
	}
	if cur.Status == model.JobStatusCancelled && job.Status != model.JobStatusCancelled {
		return cancelledError(job.ID)
	}
	next := cloneJob(job)
	next.UpdatedAt = time.Now().UTC()
	r.jobs[job.ID] = next
	return nil
}

func (r *MemoryJobRepository) purge() (int64, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var uris []string
	for _, job := range r.jobs {
		uris = append(uris, job.ChildPhotoURI, job.Analysis.Result.FaceCropURI, job.ResultURI)
	}
	n := int64(len(r.jobs))
	r.jobs = make(map[string]*model.Job)
	return n, uris
}

func cloneJob(job *model.Job) *model.Job {
	cp := *job
	if job.ChildAge != nil {
		age := *job.ChildAge
		cp.ChildAge = &age
	}
	if job.Analysis.PageRegenerations != nil {
		cp.Analysis.PageRegenerations = make(map[int]*model.RegenerationRecord, len(job.Analysis.PageRegenerations))
		for k, v := range job.Analysis.PageRegenerations {
			rec := *v
			cp.Analysis.PageRegenerations[k] = &rec
		}
	}
	return &cp
}

// MemoryArtifactLedger keeps ledger rows in insertion order. When built with
// a job repository, PurgeAll clears it too.
type MemoryArtifactLedger struct {
	mu    sync.RWMutex
	rows  []model.JobArtifact
	jobs  *MemoryJobRepository
	clock func() time.Time
}

func NewMemoryArtifactLedger(jobs *MemoryJobRepository) *MemoryArtifactLedger {
	return &MemoryArtifactLedger{jobs: jobs, clock: func() time.Time { return time.Now().UTC() }}
}

func (l *MemoryArtifactLedger) Append(_ context.Context, a *model.JobArtifact) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.clock()
	}
	l.rows = append(l.rows, cloneArtifact(*a))
	return nil
}

func (l *MemoryArtifactLedger) ListByJob(_ context.Context, jobID string) ([]model.JobArtifact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.JobArtifact
	for _, a := range l.rows {
		if a.JobID == jobID {
			out = append(out, cloneArtifact(a))
		}
	}
	return out, nil
}

func (l *MemoryArtifactLedger) LatestByPage(_ context.Context, jobID string, stage model.Stage, kind model.ArtifactKind) ([]model.JobArtifact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	latest := make(map[int]model.JobArtifact)
	for _, a := range l.rows {
		if a.JobID != jobID || a.Stage != stage || a.Kind != kind || a.PageNum == nil {
			continue
		}
		// rows are in insertion order, so later rows win ties on CreatedAt
		if cur, ok := latest[*a.PageNum]; !ok || !a.CreatedAt.Before(cur.CreatedAt) {
			latest[*a.PageNum] = a
		}
	}

	out := make([]model.JobArtifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, cloneArtifact(a))
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].PageNum < *out[j].PageNum })
	return out, nil
}

func (l *MemoryArtifactLedger) PurgeAll(_ context.Context) (model.PurgeResult, error) {
	l.mu.Lock()
	res := model.PurgeResult{Artifacts: int64(len(l.rows))}
	for _, a := range l.rows {
		res.URIs = append(res.URIs, a.S3URI)
	}
	l.rows = nil
	l.mu.Unlock()

	if l.jobs != nil {
		var uris []string
		res.Jobs, uris = l.jobs.purge()
		res.URIs = append(res.URIs, uris...)
	}
	return res, nil
}

func cloneArtifact(a model.JobArtifact) model.JobArtifact {
	if a.PageNum != nil {
		n := *a.PageNum
		a.PageNum = &n
	}
	if a.Meta != nil {
		raw, _ := json.Marshal(a.Meta)
		a.Meta = nil
		_ = json.Unmarshal(raw, &a.Meta)
	}
	return a
}
