package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/pipeline"
)

// Task types
const (
	TaskTypeAnalyzePhoto     = "analysis:analyze_photo"
	TaskTypeBuildBackgrounds = "pipeline:build_backgrounds"
	TaskTypeRenderPages      = "pipeline:render_pages"
)

// Queues, one per resource class
const (
	QueueAnalysis        = "analysis"
	QueueFaceSwapPrepay  = "faceswap_prepay"
	QueueFaceSwapPostpay = "faceswap_postpay"
	QueueRender          = "render"
)

const taskRetention = 24 * time.Hour

// QueueFor routes a task to the queue of the resource it consumes. Face
// swaps go to the GPU queue of their stage.
func QueueFor(taskType string, stage model.Stage) string {
	switch taskType {
	case TaskTypeAnalyzePhoto:
		return QueueAnalysis
	case TaskTypeBuildBackgrounds:
		if stage == model.StagePostpay {
			return QueueFaceSwapPostpay
		}
		return QueueFaceSwapPrepay
	default:
		return QueueRender
	}
}

// MaxRetryFor is the asynq retry count of a task type. Analysis retries
// transient failures itself. Pipeline steps are only retried when their
// failure could not be written to the job.
func MaxRetryFor(taskType string) int {
	if taskType == TaskTypeAnalyzePhoto {
		return 0
	}
	return 2
}

func timeoutFor(taskType string) time.Duration {
	switch taskType {
	case TaskTypeBuildBackgrounds:
		return 2 * time.Hour
	case TaskTypeRenderPages:
		return time.Hour
	default:
		return 30 * time.Minute
	}
}

// TaskTypeForStep maps a workflow step onto its task type.
func TaskTypeForStep(step pipeline.Step) (string, error) {
	switch step {
	case pipeline.StepBackground:
		return TaskTypeBuildBackgrounds, nil
	case pipeline.StepRender:
		return TaskTypeRenderPages, nil
	}
	return "", fmt.Errorf("unknown workflow step %q", step)
}

// AnalysisPayload is the payload of an analysis task.
type AnalysisPayload struct {
	JobID string `json:"jobId"`
}

func newAnalysisTask(jobID string) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(AnalysisPayload{JobID: jobID})
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TaskTypeAnalyzePhoto, data), taskOptions(TaskTypeAnalyzePhoto, model.StageAnalysis), nil
}

// newStepTask builds the task of a workflow step. The scope is the payload.
func newStepTask(step pipeline.Step, scope pipeline.Scope) (*asynq.Task, []asynq.Option, error) {
	taskType, err := TaskTypeForStep(step)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(scope)
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(taskType, data), taskOptions(taskType, scope.Stage), nil
}

func taskOptions(taskType string, stage model.Stage) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueFor(taskType, stage)),
		asynq.MaxRetry(MaxRetryFor(taskType)),
		asynq.Timeout(timeoutFor(taskType)),
		asynq.Retention(taskRetention),
	}
}
