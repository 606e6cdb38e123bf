package model

import (
	"time"
)

// Job is one personalization of one book for one child.
type Job struct {
	ID            string           `json:"jobId"`
	UserID        string           `json:"userId"`
	Slug          string           `json:"slug"`
	Status        JobStatus        `json:"status"`
	ChildPhotoURI string           `json:"childPhotoUri,omitempty"`
	CommonPrompt  string           `json:"commonPrompt,omitempty"`
	ChildName     string           `json:"childName,omitempty"`
	ChildAge      *int             `json:"childAge,omitempty"`
	ChildGender   Gender           `json:"childGender,omitempty"`
	Analysis      AnalysisMetadata `json:"analysis"`
	ResultURI     string           `json:"resultUri,omitempty"`
	AvatarURL     string           `json:"avatarUrl,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// AnalysisMetadata is persisted as one structured column on the job row.
type AnalysisMetadata struct {
	Result            AnalysisResult              `json:"result"`
	Budget            RegenerationBudget          `json:"budget"`
	PageRegenerations map[int]*RegenerationRecord `json:"pageRegenerations,omitempty"`
}

// AnalysisResult captures the outcome of photo analysis.
type AnalysisResult struct {
	FaceDetected bool   `json:"faceDetected"`
	FaceCropURI  string `json:"faceCropUri,omitempty"`
	Error        string `json:"error,omitempty"`
	Retrying     bool   `json:"retrying,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`
	RetryError   string `json:"retryError,omitempty"`
}

// RegenerationBudget is the job-scoped allowance of user-triggered reruns.
type RegenerationBudget struct {
	Used          int  `json:"used"`
	Limit         int  `json:"limit"`
	RandomizeSeed bool `json:"randomizeSeed,omitempty"`
}

func (b RegenerationBudget) Remaining() int {
	if r := b.Limit - b.Used; r > 0 {
		return r
	}
	return 0
}

func (b RegenerationBudget) Allowed() bool {
	return b.Remaining() > 0
}

// RegenerationRecord is the live state of a single-page regeneration.
type RegenerationRecord struct {
	PageNum   int                    `json:"pageNum"`
	Stage     Stage                  `json:"stage"`
	Status    PageRegenerationStatus `json:"status"`
	StartedAt time.Time              `json:"startedAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Error     string                 `json:"error,omitempty"`
}

// Transition moves the job to next or returns an InvalidJobStateError.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return &InvalidJobStateError{JobID: j.ID, Current: j.Status, Wanted: next}
	}
	j.Status = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPageRegeneration records progress of a page regeneration. A queued
// status starts a new run; any other status keeps the run's start time.
func (j *Job) SetPageRegeneration(pageNum int, stage Stage, status PageRegenerationStatus, errMsg string) *RegenerationRecord {
	now := time.Now().UTC()
	if j.Analysis.PageRegenerations == nil {
		j.Analysis.PageRegenerations = make(map[int]*RegenerationRecord)
	}

	rec, ok := j.Analysis.PageRegenerations[pageNum]
	if !ok || status == PageRegenQueued {
		rec = &RegenerationRecord{PageNum: pageNum, StartedAt: now}
		j.Analysis.PageRegenerations[pageNum] = rec
	}
	rec.Stage = stage
	rec.Status = status
	rec.UpdatedAt = now
	rec.Error = errMsg

	j.UpdatedAt = now
	return rec
}

// PageRegeneration returns the record for pageNum, if any.
func (j *Job) PageRegeneration(pageNum int) (*RegenerationRecord, bool) {
	rec, ok := j.Analysis.PageRegenerations[pageNum]
	return rec, ok
}
