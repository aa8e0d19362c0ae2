package deploy

import (
	"errors"
	"fmt"
)

// Failure kinds. A *StageError matches its kind with errors.Is.
var (
	ErrFetch    = errors.New("fetch failed")
	ErrBuild    = errors.New("build failed")
	ErrLaunch   = errors.New("launch failed")
	ErrInternal = errors.New("internal error")
)

// StageError is the typed failure that halts a pipeline run.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage string, kind, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
