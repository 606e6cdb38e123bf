package model

import "fmt"

// Stage is a commercial phase of a personalization.
type Stage string

const (
	StagePrepay  Stage = "prepay"
	StagePostpay Stage = "postpay"

	// StageAnalysis only labels ledger rows written while analysing the photo.
	StageAnalysis Stage = "analysis"
)

var ValidStages = []Stage{StagePrepay, StagePostpay}

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StagePrepay, StagePostpay:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// ArtifactKind classifies ledger rows.
type ArtifactKind string

const (
	ArtifactPageBackground ArtifactKind = "page_bg_png"
	ArtifactPageFinal      ArtifactKind = "page_png"
	ArtifactAvatarCrop     ArtifactKind = "avatar_crop_png"
)

// PageRegenerationStatus tracks one page-scoped regeneration run.
type PageRegenerationStatus string

const (
	PageRegenQueued       PageRegenerationStatus = "queued"
	PageRegenBgGenerating PageRegenerationStatus = "bg_generating"
	PageRegenRenderQueued PageRegenerationStatus = "render_queued"
	PageRegenRendering    PageRegenerationStatus = "rendering"
	PageRegenCompleted    PageRegenerationStatus = "completed"
	PageRegenFailed       PageRegenerationStatus = "failed"
)

// Gender of the child, passed through to text templates.
type Gender string

const (
	GenderBoy  Gender = "boy"
	GenderGirl Gender = "girl"
)
