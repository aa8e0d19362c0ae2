package repository

import (
	"context"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
)

// ApplicationRepository persists applications.
type ApplicationRepository interface {
	// CreateApplication stores the application together with its first deployment.
	CreateApplication(ctx context.Context, app *domain.Application, deployment *domain.Deployment) error
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	GetApplicationBySubdomain(ctx context.Context, subdomain string) (*domain.Application, error)
	ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error)
	UpdateApplicationStatus(ctx context.Context, id, status string) error
	SetApplicationSuspended(ctx context.Context, id string, suspended bool) error
	// UpdateApplicationSource rewrites name, repository, branch and env vars.
	// Status, subdomain, port and container are left alone.
	UpdateApplicationSource(ctx context.Context, app *domain.Application) error
	// RelocateApplication marks the application running on a new container
	// and port in one write.
	RelocateApplication(ctx context.Context, id, containerID string, port int) error
	DeleteApplication(ctx context.Context, id string) error
	// ListActivePorts returns the ports held by applications with status running.
	ListActivePorts(ctx context.Context) ([]int, error)
}

// DeploymentRepository stores deployment history and the pipeline's terminal writes.
type DeploymentRepository interface {
	// BeginRebuild stores a new pending deployment and moves its application to building.
	BeginRebuild(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	MarkDeploymentBuilding(ctx context.Context, id string) error
	CompleteDeployment(ctx context.Context, reg domain.Registration) error
	FailDeployment(ctx context.Context, failure domain.DeploymentFailure) error
}

// LogRepository appends and reads deployment logs.
type LogRepository interface {
	AppendDeploymentLog(ctx context.Context, deploymentID, line string, at time.Time) (domain.LogLine, error)
	ListDeploymentLogs(ctx context.Context, deploymentID string) ([]domain.LogLine, error)
}

// BillingRepository manages owner accounts and ledger entries.
type BillingRepository interface {
	GetAccount(ctx context.Context, ownerID string) (*domain.Account, error)
	// DebitAccount takes amount from the account's credits when they cover it.
	// When they do not and deferred is true, a pending transaction is recorded
	// instead. It reports whether any entry was written.
	DebitAccount(ctx context.Context, tx *domain.Transaction, deferred bool) (bool, error)
	CreditAccount(ctx context.Context, tx *domain.Transaction) error
}

// Store groups the repositories the orchestrator needs.
type Store interface {
	ApplicationRepository
	DeploymentRepository
	LogRepository
	BillingRepository
	Ping(ctx context.Context) error
}
