package model

import (
	"errors"
	"fmt"
)

var (
	ErrNoFaceDetected             = errors.New("no_face_detected")
	ErrRegenerationLimitExceeded  = errors.New("regeneration limit exceeded")
	ErrForbidden                  = errors.New("forbidden")
	ErrObjectNotFound             = errors.New("object not found")
	ErrRegenerationPageNotAllowed = errors.New("page cannot be regenerated")
)

// StorageError wraps an object storage failure for a key.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ManifestValidationError reports a manifest that cannot be used.
type ManifestValidationError struct {
	Slug   string
	Reason string
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("manifest %q invalid: %s", e.Slug, e.Reason)
}

// FaceSwapTransientError is a retryable failure talking to the face service.
type FaceSwapTransientError struct {
	Op  string
	Err error
}

func (e *FaceSwapTransientError) Error() string {
	return fmt.Sprintf("face service %s (transient): %v", e.Op, e.Err)
}

func (e *FaceSwapTransientError) Unwrap() error { return e.Err }

// FaceSwapHardError is a non-retryable face service failure, including
// exhausted retries and poll timeouts.
type FaceSwapHardError struct {
	Op  string
	Err error
}

func (e *FaceSwapHardError) Error() string {
	return fmt.Sprintf("face service %s: %v", e.Op, e.Err)
}

func (e *FaceSwapHardError) Unwrap() error { return e.Err }

type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

// InvalidJobStateError is a violated precondition on the job's status.
type InvalidJobStateError struct {
	JobID   string
	Current JobStatus
	Wanted  JobStatus
	Reason  string
}

func (e *InvalidJobStateError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("job %s in status %s: %s", e.JobID, e.Current, e.Reason)
	case e.Wanted != "":
		return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.Current, e.Wanted)
	default:
		return fmt.Sprintf("job %s: invalid status %s", e.JobID, e.Current)
	}
}

func IsTransient(err error) bool {
	var t *FaceSwapTransientError
	return errors.As(err, &t)
}

func IsNotFound(err error) bool {
	var nf *JobNotFoundError
	return errors.As(err, &nf)
}

func IsInvalidState(err error) bool {
	var is *InvalidJobStateError
	return errors.As(err, &is)
}
