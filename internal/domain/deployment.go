package domain

import "time"

// Deployment status values.
const (
	DeploymentPending  = "pending"
	DeploymentBuilding = "building"
	DeploymentSuccess  = "success"
	DeploymentFailed   = "failed"
)

// Deployment captures one run of the fetch, build and launch pipeline.
type Deployment struct {
	ID            string
	ApplicationID string
	Status        string
	Error         string
	BuildDuration *time.Duration
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// Active reports whether the deployment has not reached a terminal status.
func (d Deployment) Active() bool {
	return d.Status == DeploymentPending || d.Status == DeploymentBuilding
}

// Registration is the terminal write of a successful pipeline run. The store
// applies it to the application and the deployment atomically.
type Registration struct {
	ApplicationID string
	DeploymentID  string
	ContainerID   string
	Port          int
	BuildDuration time.Duration
	FinishedAt    time.Time
}

// DeploymentFailure is the terminal write of a failed pipeline run.
type DeploymentFailure struct {
	ApplicationID string
	DeploymentID  string
	Error         string
	BuildDuration time.Duration
	FinishedAt    time.Time
	// ClearContainer drops the application's container reference and port,
	// set when the previous container was already torn down by the run.
	ClearContainer bool
}
