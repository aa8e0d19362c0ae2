// Package memory keeps orbitec state in process. It backs unit tests and
// STORE_BACKEND=memory development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
)

// Store is a mutex-guarded implementation of repository.Store.
type Store struct {
	mu           sync.RWMutex
	apps         map[string]domain.Application
	deployments  map[string]domain.Deployment
	logs         map[string][]domain.LogLine
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	seq          int64
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		apps:        make(map[string]domain.Application),
		deployments: make(map[string]domain.Deployment),
		logs:        make(map[string][]domain.LogLine),
		accounts:    make(map[string]domain.Account),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateApplication stores the application and its first deployment.
func (s *Store) CreateApplication(_ context.Context, app *domain.Application, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apps {
		if existing.Subdomain == app.Subdomain {
			return repository.ErrDuplicateSubdomain
		}
	}
	s.apps[app.ID] = app.Clone()
	s.deployments[deployment.ID] = *deployment
	return nil
}

// GetApplicationByID fetches an application.
func (s *Store) GetApplicationByID(_ context.Context, id string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := app.Clone()
	return &out, nil
}

// GetApplicationBySubdomain fetches an application by subdomain.
func (s *Store) GetApplicationBySubdomain(_ context.Context, subdomain string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, app := range s.apps {
		if app.Subdomain == subdomain {
			out := app.Clone()
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListApplicationsByOwner returns the owner's applications, newest first.
func (s *Store) ListApplicationsByOwner(_ context.Context, ownerID string) ([]domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := make([]domain.Application, 0)
	for _, app := range s.apps {
		if app.OwnerID == ownerID {
			apps = append(apps, app.Clone())
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].CreatedAt.After(apps[j].CreatedAt) })
	return apps, nil
}

// UpdateApplicationStatus sets an application's status.
func (s *Store) UpdateApplicationStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	if status == domain.ApplicationRunning && app.Port != nil && s.portTakenLocked(*app.Port, id) {
		return repository.ErrPortInUse
	}
	app.Status = status
	app.UpdatedAt = time.Now().UTC()
	s.apps[id] = app
	return nil
}

// SetApplicationSuspended sets or clears the suspended flag.
func (s *Store) SetApplicationSuspended(_ context.Context, id string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	app.Suspended = suspended
	app.UpdatedAt = time.Now().UTC()
	s.apps[id] = app
	return nil
}

// UpdateApplicationSource rewrites the fields a later deployment builds from.
func (s *Store) UpdateApplicationSource(_ context.Context, update *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[update.ID]
	if !ok {
		return repository.ErrNotFound
	}
	src := update.Clone()
	app.Name = src.Name
	app.RepoURL = src.RepoURL
	app.Branch = src.Branch
	app.EnvVars = src.EnvVars
	app.UpdatedAt = time.Now().UTC()
	s.apps[app.ID] = app
	return nil
}

// RelocateApplication records a relaunched container on a new port.
func (s *Store) RelocateApplication(_ context.Context, id, containerID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.portTakenLocked(port, id) {
		return repository.ErrPortInUse
	}
	app.Status = domain.ApplicationRunning
	app.ContainerID = containerID
	app.Port = &port
	app.UpdatedAt = time.Now().UTC()
	s.apps[id] = app
	return nil
}

// DeleteApplication removes an application with its deployments and logs.
func (s *Store) DeleteApplication(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.apps, id)
	for depID, d := range s.deployments {
		if d.ApplicationID == id {
			delete(s.deployments, depID)
			delete(s.logs, depID)
		}
	}
	return nil
}

// ListActivePorts returns ports bound to running applications.
func (s *Store) ListActivePorts(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make([]int, 0)
	for _, app := range s.apps {
		if app.Status == domain.ApplicationRunning && app.Port != nil {
			ports = append(ports, *app.Port)
		}
	}
	return ports, nil
}

func (s *Store) portTakenLocked(port int, except string) bool {
	for id, app := range s.apps {
		if id != except && app.Status == domain.ApplicationRunning && app.Port != nil && *app.Port == port {
			return true
		}
	}
	return false
}

func (s *Store) hasActiveLocked(applicationID string) bool {
	for _, d := range s.deployments {
		if d.ApplicationID == applicationID && d.Active() {
			return true
		}
	}
	return false
}

// BeginRebuild stores a pending deployment and moves the application to building.
func (s *Store) BeginRebuild(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[deployment.ApplicationID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.hasActiveLocked(deployment.ApplicationID) {
		return repository.ErrActiveDeployment
	}
	s.deployments[deployment.ID] = *deployment
	app.Status = domain.ApplicationBuilding
	app.UpdatedAt = time.Now().UTC()
	s.apps[app.ID] = app
	return nil
}

// GetDeploymentByID fetches a deployment.
func (s *Store) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByApplication returns the latest deployments of an application.
func (s *Store) ListDeploymentsByApplication(_ context.Context, applicationID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.ApplicationID == applicationID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveDeployments returns deployments still pending or building.
func (s *Store) ListActiveDeployments(context.Context) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.Active() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkDeploymentBuilding moves a pending deployment to building.
func (s *Store) MarkDeploymentBuilding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok || d.Status != domain.DeploymentPending {
		return repository.ErrNotFound
	}
	d.Status = domain.DeploymentBuilding
	s.deployments[id] = d
	return nil
}

// CompleteDeployment applies a successful registration.
func (s *Store) CompleteDeployment(_ context.Context, reg domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[reg.ApplicationID]
	if !ok {
		return repository.ErrNotFound
	}
	d, ok := s.deployments[reg.DeploymentID]
	if !ok || !d.Active() {
		return repository.ErrNotFound
	}
	if s.portTakenLocked(reg.Port, reg.ApplicationID) {
		return repository.ErrPortInUse
	}
	port := reg.Port
	finished := reg.FinishedAt
	app.Status = domain.ApplicationRunning
	app.ContainerID = reg.ContainerID
	app.Port = &port
	app.LastDeployedAt = &finished
	app.UpdatedAt = finished
	s.apps[app.ID] = app

	duration := reg.BuildDuration
	d.Status = domain.DeploymentSuccess
	d.BuildDuration = &duration
	d.FinishedAt = &finished
	s.deployments[d.ID] = d
	return nil
}

// FailDeployment applies a failed run.
func (s *Store) FailDeployment(_ context.Context, f domain.DeploymentFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[f.DeploymentID]
	if !ok || !d.Active() {
		return repository.ErrNotFound
	}
	duration := f.BuildDuration
	finished := f.FinishedAt
	d.Status = domain.DeploymentFailed
	d.Error = f.Error
	d.BuildDuration = &duration
	d.FinishedAt = &finished
	s.deployments[d.ID] = d

	if app, ok := s.apps[f.ApplicationID]; ok {
		app.Status = domain.ApplicationFailed
		app.UpdatedAt = finished
		if f.ClearContainer {
			app.ContainerID = ""
			app.Port = nil
		}
		s.apps[app.ID] = app
	}
	return nil
}

// AppendDeploymentLog appends one line to a deployment's log.
func (s *Store) AppendDeploymentLog(_ context.Context, deploymentID, line string, at time.Time) (domain.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deploymentID]; !ok {
		return domain.LogLine{}, repository.ErrNotFound
	}
	s.seq++
	entry := domain.LogLine{Seq: s.seq, DeploymentID: deploymentID, Line: line, CreatedAt: at}
	s.logs[deploymentID] = append(s.logs[deploymentID], entry)
	return entry, nil
}

// ListDeploymentLogs returns a deployment's log in append order.
func (s *Store) ListDeploymentLogs(_ context.Context, deploymentID string) ([]domain.LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines := s.logs[deploymentID]
	out := make([]domain.LogLine, len(lines))
	copy(out, lines)
	return out, nil
}

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(acct domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.OwnerID] = acct
}

// Transactions returns the owner's ledger entries in insertion order.
func (s *Store) Transactions(ownerID string) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transaction, 0)
	for _, t := range s.transactions {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out
}

// GetAccount returns an owner's account.
func (s *Store) GetAccount(_ context.Context, ownerID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[ownerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &acct, nil
}

// DebitAccount takes credits or records a deferred charge.
func (s *Store) DebitAccount(_ context.Context, t *domain.Transaction, deferred bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[t.OwnerID]
	if !ok {
		return false, nil
	}
	t.Type = domain.TransactionDebit
	switch {
	case acct.Credits >= t.Amount:
		acct.Credits -= t.Amount
		acct.UpdatedAt = t.CreatedAt
		s.accounts[acct.OwnerID] = acct
		t.Status = domain.TransactionCompleted
	case deferred:
		t.Status = domain.TransactionPending
	default:
		return false, nil
	}
	s.transactions = append(s.transactions, *t)
	return true, nil
}

// CreditAccount adds credits, creating the account when needed.
func (s *Store) CreditAccount(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[t.OwnerID]
	if !ok {
		acct = domain.Account{OwnerID: t.OwnerID, CreatedAt: t.CreatedAt}
	}
	acct.Credits += t.Amount
	acct.UpdatedAt = t.CreatedAt
	s.accounts[acct.OwnerID] = acct
	t.Type = domain.TransactionCredit
	t.Status = domain.TransactionCompleted
	s.transactions = append(s.transactions, *t)
	return nil
}
