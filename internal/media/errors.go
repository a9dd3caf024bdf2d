package media

import (
	"errors"
	"fmt"
)

var (
	ErrStagedUpload     = errors.New("staged upload creation failed")
	ErrTransfer         = errors.New("staged file transfer failed")
	ErrRegister         = errors.New("file registration failed")
	ErrProcessingFailed = errors.New("remote file processing failed")
	ErrPollTimeout      = errors.New("remote file not ready before poll bound")
	ErrUnsupportedImage = errors.New("unsupported image format")
)

// StageError wraps a failure with the upload stage it happened in. errors.Is matches
// both the stage sentinel and the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Stage.sentinel(), e.Err}
}

// Retryable reports whether the upload may restart from the first step.
func (e *StageError) Retryable() bool {
	switch e.Stage {
	case StageStaging, StageTransfer, StageRegister:
		return true
	default:
		return false
	}
}
