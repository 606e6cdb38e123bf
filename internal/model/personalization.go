package model

import "time"

// CreatePersonalizationRequest holds the form fields sent with the photo upload
type CreatePersonalizationRequest struct {
	Slug        string `json:"slug" validate:"required,max=128"`
	ChildName   string `json:"childName" validate:"omitempty,max=64"`
	ChildAge    *int   `json:"childAge" validate:"omitempty,min=0,max=18"`
	ChildGender Gender `json:"childGender" validate:"omitempty,oneof=boy girl"`
}

// ConfirmRequest confirms the child details and starts the prepay stage
type ConfirmRequest struct {
	ChildName   string `json:"childName" validate:"required,max=64"`
	ChildAge    *int   `json:"childAge" validate:"omitempty,min=0,max=18"`
	ChildGender Gender `json:"childGender" validate:"omitempty,oneof=boy girl"`
}

// RegenerateStageRequest asks for a full rerun of one stage
type RegenerateStageRequest struct {
	Stage Stage `json:"stage" validate:"omitempty,oneof=prepay postpay"`
}

// PersonalizationResponse is returned by mutating endpoints
type PersonalizationResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// RegenerationResponse is returned when a regeneration has been accepted
type RegenerationResponse struct {
	JobID   string              `json:"jobId"`
	Stage   Stage               `json:"stage"`
	PageNum *int                `json:"pageNum,omitempty"`
	Status  JobStatus           `json:"status"`
	Budget  BudgetView          `json:"budget"`
	Record  *RegenerationRecord `json:"record,omitempty"`
}

// BudgetView is the read projection of a RegenerationBudget
type BudgetView struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	Allowed   bool `json:"allowed"`
}

func NewBudgetView(b RegenerationBudget) BudgetView {
	return BudgetView{
		Used:      b.Used,
		Limit:     b.Limit,
		Remaining: b.Remaining(),
		Allowed:   b.Allowed(),
	}
}

// PageView describes one generated page of the visible stage
type PageView struct {
	PageNum int    `json:"pageNum"`
	URL     string `json:"url,omitempty"`
	Ready   bool   `json:"ready"`
}

// PersonalizationStatusResponse is the status projection polled by clients
type PersonalizationStatusResponse struct {
	JobID             string                      `json:"jobId"`
	Slug              string                      `json:"slug"`
	Status            JobStatus                   `json:"status"`
	Stage             Stage                       `json:"stage"`
	FaceDetected      bool                        `json:"faceDetected"`
	AnalysisError     string                      `json:"analysisError,omitempty"`
	Budget            BudgetView                  `json:"budget"`
	Pages             []PageView                  `json:"pages"`
	PageRegenerations map[int]*RegenerationRecord `json:"pageRegenerations,omitempty"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

// PageRegenerationsResponse lists live page-scoped regeneration state
type PageRegenerationsResponse struct {
	JobID   string               `json:"jobId"`
	Budget  BudgetView           `json:"budget"`
	Records []RegenerationRecord `json:"records"`
}

// ArtifactsResponse lists ledger rows for a job
type ArtifactsResponse struct {
	JobID     string        `json:"jobId"`
	Artifacts []JobArtifact `json:"artifacts"`
}
