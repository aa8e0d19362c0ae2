package apps

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("application not found")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrSubdomainTaken     = errors.New("subdomain already in use")
	// ErrBuildInProgress rejects lifecycle actions against an application
	// whose deployment has not finished.
	ErrBuildInProgress = errors.New("build in progress")
	ErrInvalidState    = errors.New("invalid application state")
	// ErrNoContainer is returned by start when no launched container exists.
	ErrNoContainer = errors.New("application has no container")
	ErrSuspended   = errors.New("application suspended")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalidState(status, action string) error {
	return fmt.Errorf("%w: cannot %s application in status %s", ErrInvalidState, action, status)
}
