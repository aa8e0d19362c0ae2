package domain

import "time"

// Event types published on an application's channel.
const (
	EventLogAppended        = "log_appended"
	EventStatusChanged      = "status_changed"
	EventDeploymentFinished = "deployment_finished"
)

// StatusDeleted is published as the final status of a removed application.
const StatusDeleted = "deleted"

// Event is the payload fanned out to live subscribers.
type Event struct {
	Type          string    `json:"type"`
	ApplicationID string    `json:"application_id"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	Seq           int64     `json:"seq,omitempty"`
	Line          string    `json:"line,omitempty"`
	Status        string    `json:"status,omitempty"`
	Suspended     *bool     `json:"suspended,omitempty"`
	URL           string    `json:"url,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
