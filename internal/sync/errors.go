package sync

import (
	"errors"
	"fmt"
)

// Stage names a step of the pipeline
type Stage string

const (
	StageMaterialize Stage = "materialize"
	StageStage       Stage = "stage"
	StagePublish     Stage = "publish"
)

var (
	// ErrDeviceUnavailable is returned when no single device could be selected
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrSourceMissing is returned when no source tree exists after the VCS step
	ErrSourceMissing = errors.New("source tree missing")
	// ErrConnect is returned when the transport session cannot be opened
	ErrConnect = errors.New("failed to connect to device")
)

// StageError is an operational failure attributed to one pipeline stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
