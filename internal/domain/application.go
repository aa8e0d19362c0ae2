package domain

import "time"

// Application status values.
const (
	ApplicationBuilding = "building"
	ApplicationRunning  = "running"
	ApplicationStopped  = "stopped"
	ApplicationFailed   = "failed"
)

// Application is a user-owned deployable unit bound to a repository and a public subdomain.
type Application struct {
	ID             string
	OwnerID        string
	Name           string
	RepoURL        string
	Branch         string
	EnvVars        map[string]string
	Status         string
	Subdomain      string
	Port           *int
	ContainerID    string
	Suspended      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastDeployedAt *time.Time
}

// Clone returns a copy that shares no mutable state with a.
func (a Application) Clone() Application {
	out := a
	if a.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(a.EnvVars))
		for k, v := range a.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if a.Port != nil {
		port := *a.Port
		out.Port = &port
	}
	if a.LastDeployedAt != nil {
		ts := *a.LastDeployedAt
		out.LastDeployedAt = &ts
	}
	return out
}
