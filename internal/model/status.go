package model

// JobStatus is the lifecycle state of a personalization job.
type JobStatus string

const (
	JobStatusPendingAnalysis    JobStatus = "pending_analysis"
	JobStatusAnalyzing          JobStatus = "analyzing"
	JobStatusAnalyzingCompleted JobStatus = "analyzing_completed"
	JobStatusAnalysisFailed     JobStatus = "analysis_failed"
	JobStatusPrepayPending      JobStatus = "prepay_pending"
	JobStatusPrepayGenerating   JobStatus = "prepay_generating"
	JobStatusPrepayReady        JobStatus = "prepay_ready"
	JobStatusConfirmed          JobStatus = "confirmed"
	JobStatusPostpayGenerating  JobStatus = "postpay_generating"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusGenerationFailed   JobStatus = "generation_failed"
	JobStatusCancelled          JobStatus = "cancelled"

	// JobStatusPreviewReady is a legacy state still found on old rows.
	JobStatusPreviewReady JobStatus = "preview_ready"
)

var AllJobStatuses = []JobStatus{
	JobStatusPendingAnalysis, JobStatusAnalyzing, JobStatusAnalyzingCompleted,
	JobStatusAnalysisFailed, JobStatusPrepayPending, JobStatusPrepayGenerating,
	JobStatusPrepayReady, JobStatusConfirmed, JobStatusPostpayGenerating,
	JobStatusCompleted, JobStatusGenerationFailed, JobStatusCancelled,
	JobStatusPreviewReady,
}

// transitions lists every legal move. Cancellation is handled separately.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPendingAnalysis:    {JobStatusAnalyzing},
	JobStatusAnalyzing:          {JobStatusAnalyzing, JobStatusAnalyzingCompleted, JobStatusAnalysisFailed},
	JobStatusAnalysisFailed:     {JobStatusPendingAnalysis},
	JobStatusAnalyzingCompleted: {JobStatusPendingAnalysis, JobStatusPrepayPending},
	JobStatusPreviewReady:       {JobStatusPrepayPending},
	JobStatusPrepayPending:      {JobStatusPrepayGenerating},
	JobStatusPrepayGenerating:   {JobStatusPrepayGenerating, JobStatusPrepayReady, JobStatusGenerationFailed},
	JobStatusPrepayReady:        {JobStatusPrepayPending, JobStatusConfirmed},
	JobStatusConfirmed:          {JobStatusPrepayPending, JobStatusPostpayGenerating},
	JobStatusPostpayGenerating:  {JobStatusPostpayGenerating, JobStatusCompleted, JobStatusGenerationFailed},
	JobStatusCompleted:          {JobStatusPostpayGenerating},
	JobStatusGenerationFailed:   {JobStatusPrepayPending, JobStatusPostpayGenerating},
}

func (s JobStatus) Valid() bool {
	if s == JobStatusCancelled {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobStatusCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// In reports whether s is one of the given statuses.
func (s JobStatus) In(statuses ...JobStatus) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// GeneratingStatus is the in-progress status for a full run of the stage.
func GeneratingStatus(stage Stage) JobStatus {
	if stage == StagePostpay {
		return JobStatusPostpayGenerating
	}
	return JobStatusPrepayGenerating
}

// ReadyStatus is the status a successful full run of the stage ends in.
func ReadyStatus(stage Stage) JobStatus {
	if stage == StagePostpay {
		return JobStatusCompleted
	}
	return JobStatusPrepayReady
}
