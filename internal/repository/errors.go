package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateSubdomain indicates another application already owns the subdomain.
	ErrDuplicateSubdomain = errors.New("repository: subdomain already taken")
	// ErrActiveDeployment indicates the application already has a pending or building deployment.
	ErrActiveDeployment = errors.New("repository: deployment already active")
	// ErrPortInUse indicates another running application holds the port.
	ErrPortInUse = errors.New("repository: port in use")
)
