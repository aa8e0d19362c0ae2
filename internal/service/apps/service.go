// Package apps is the entry point for application lifecycle actions. It owns
// the application state machine and hands deployments to the build pipeline.
package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PragyanCoder/orbitec/internal/docker"
	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
	"github.com/PragyanCoder/orbitec/internal/service/billing"
	"github.com/PragyanCoder/orbitec/internal/service/ports"
)

const (
	defaultBranch          = "main"
	defaultDeploymentLimit = 10
	maxDeploymentLimit     = 100
)

// Runtime is the subset of the container engine lifecycle actions use.
type Runtime interface {
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
}

// Pipeline builds and launches one deployment.
type Pipeline interface {
	Run(ctx context.Context, app domain.Application, deploymentID string) error
	Relaunch(ctx context.Context, app domain.Application, port int) (string, error)
	ContainerName(applicationID string) string
	ImageTag(applicationID string) string
	URL(subdomain string) string
}

// Router maintains reverse proxy routes.
type Router interface {
	Enable(ctx context.Context, subdomain string, port int) error
	Disable(ctx context.Context, subdomain string) error
}

// Ports reserves an application's known port while it starts, or a fresh
// one when that port was taken in the meantime.
type Ports interface {
	Claim(ctx context.Context, port int, owner string) (*ports.Lease, error)
	Allocate(ctx context.Context, owner string) (*ports.Lease, error)
}

// Billing is the capability consulted before work that costs credits.
type Billing interface {
	CanAfford(ctx context.Context, ownerID string, amount float64) (bool, error)
	Debit(ctx context.Context, ownerID string, amount float64, reason string) error
	Refund(ctx context.Context, ownerID string, amount float64, reason string) error
}

// Workspaces removes build directories.
type Workspaces interface {
	CleanupByID(identifier string) error
}

// Events publishes lifecycle events and deployment log lines.
type Events interface {
	Append(ctx context.Context, applicationID, deploymentID, message string) (domain.LogLine, error)
	StatusChanged(applicationID, status string)
	SuspensionChanged(applicationID, status string, suspended bool)
}

// Options tunes a Controller.
type Options struct {
	MonthlyCharge float64
	RestartDelay  time.Duration
}

// Deps groups a Controller's collaborators.
type Deps struct {
	Store      repository.Store
	Pipeline   Pipeline
	Runtime    Runtime
	Router     Router
	Ports      Ports
	Billing    Billing
	Workspaces Workspaces
	Events     Events
}

// CreateInput describes a new application.
type CreateInput struct {
	OwnerID string
	Name    string
	RepoURL string
	Branch  string
	EnvVars map[string]string
}

// CreateResult acknowledges an accepted create.
type CreateResult struct {
	Application  domain.Application
	DeploymentID string
	URL          string
}

// Controller validates lifecycle actions against the current application
// status and applies them. Actions on one application are serialized;
// pipeline runs proceed in the background.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	locks   sync.Mutex
	appLock map[string]*sync.Mutex

	runs      sync.WaitGroup
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New returns a Controller.
func New(deps Deps, opts Options, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("apps: store required")
	case deps.Pipeline == nil:
		return nil, errors.New("apps: pipeline required")
	case deps.Runtime == nil:
		return nil, errors.New("apps: runtime required")
	case deps.Router == nil:
		return nil, errors.New("apps: router required")
	case deps.Ports == nil:
		return nil, errors.New("apps: ports required")
	case deps.Billing == nil:
		return nil, errors.New("apps: billing required")
	case deps.Workspaces == nil:
		return nil, errors.New("apps: workspaces required")
	case deps.Events == nil:
		return nil, errors.New("apps: events required")
	}
	if opts.MonthlyCharge < 0 {
		return nil, fmt.Errorf("apps: invalid monthly charge %v", opts.MonthlyCharge)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:      deps,
		opts:      opts,
		logger:    logger.With("component", "controller"),
		now:       time.Now,
		appLock:   make(map[string]*sync.Mutex),
		runCtx:    runCtx,
		cancelRun: cancel,
	}, nil
}

func (c *Controller) lock(applicationID string) func() {
	c.locks.Lock()
	mu, ok := c.appLock[applicationID]
	if !ok {
		mu = &sync.Mutex{}
		c.appLock[applicationID] = mu
	}
	c.locks.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (c *Controller) forget(applicationID string) {
	c.locks.Lock()
	delete(c.appLock, applicationID)
	c.locks.Unlock()
}

// Wait blocks until every pipeline run started by the controller returns.
func (c *Controller) Wait() {
	c.runs.Wait()
}

// Shutdown cancels running pipelines and waits for them to commit their
// outcome, or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancelRun()
	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) spawn(app domain.Application, deploymentID string) {
	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		if err := c.deps.Pipeline.Run(c.runCtx, app, deploymentID); err != nil {
			c.logger.Info("pipeline run ended with failure", "application_id", app.ID, "deployment_id", deploymentID, "error", err)
		}
	}()
}

// Create validates input, checks the owner can pay, reserves the subdomain
// and starts the first deployment.
func (c *Controller) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Name = strings.TrimSpace(in.Name)
	in.RepoURL = strings.TrimSpace(in.RepoURL)
	in.Branch = strings.TrimSpace(in.Branch)
	if in.OwnerID == "" {
		return CreateResult{}, ValidationError{Field: "owner_id", Message: "is required"}
	}
	if in.Name == "" {
		return CreateResult{}, ValidationError{Field: "name", Message: "is required"}
	}
	if in.RepoURL == "" {
		return CreateResult{}, ValidationError{Field: "repo_url", Message: "is required"}
	}
	if strings.HasPrefix(in.RepoURL, "-") || strings.HasPrefix(in.Branch, "-") {
		return CreateResult{}, ValidationError{Field: "repo_url", Message: "must not start with '-'"}
	}
	if in.Branch == "" {
		in.Branch = defaultBranch
	}
	if err := validateEnv(in.EnvVars); err != nil {
		return CreateResult{}, err
	}
	subdomain := Subdomain(in.Name)
	if subdomain == "" {
		return CreateResult{}, ValidationError{Field: "name", Message: "must contain a letter or digit"}
	}

	ok, err := c.deps.Billing.CanAfford(ctx, in.OwnerID, c.opts.MonthlyCharge)
	if err != nil {
		return CreateResult{}, fmt.Errorf("check credits: %w", err)
	}
	if !ok {
		return CreateResult{}, billing.ErrInsufficientCredits
	}
	if _, err := c.deps.Store.GetApplicationBySubdomain(ctx, subdomain); err == nil {
		return CreateResult{}, ErrSubdomainTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return CreateResult{}, fmt.Errorf("lookup subdomain: %w", err)
	}

	now := c.now().UTC()
	app := domain.Application{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Name:      in.Name,
		RepoURL:   in.RepoURL,
		Branch:    in.Branch,
		EnvVars:   in.EnvVars,
		Status:    domain.ApplicationBuilding,
		Subdomain: subdomain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if app.EnvVars == nil {
		app.EnvVars = map[string]string{}
	}
	deployment := domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Status:        domain.DeploymentPending,
		CreatedAt:     now,
	}
	if err := c.deps.Store.CreateApplication(ctx, &app, &deployment); err != nil {
		if errors.Is(err, repository.ErrDuplicateSubdomain) {
			return CreateResult{}, ErrSubdomainTaken
		}
		return CreateResult{}, fmt.Errorf("create application: %w", err)
	}
	c.logger.Info("application created", "application_id", app.ID, "owner_id", app.OwnerID, "subdomain", subdomain, "deployment_id", deployment.ID)
	c.deps.Events.StatusChanged(app.ID, domain.ApplicationBuilding)
	c.spawn(app.Clone(), deployment.ID)

	return CreateResult{Application: app, DeploymentID: deployment.ID, URL: c.deps.Pipeline.URL(subdomain)}, nil
}

// UpdateInput lists the source fields to change. Nil fields are kept.
type UpdateInput struct {
	Name    *string
	RepoURL *string
	Branch  *string
	EnvVars map[string]string
}

// Update rewrites an application's name, repository, branch or env vars.
// The subdomain never changes. The new source is built by the next
// deployment; the running container keeps the configuration it was
// launched with.
func (c *Controller) Update(ctx context.Context, id string, in UpdateInput) (*domain.Application, error) {
	unlock := c.lock(id)
	defer unlock()
	app, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status == domain.ApplicationBuilding {
		return nil, ErrBuildInProgress
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, ValidationError{Field: "name", Message: "must not be empty"}
		}
		app.Name = name
	}
	if in.RepoURL != nil {
		repoURL := strings.TrimSpace(*in.RepoURL)
		if repoURL == "" {
			return nil, ValidationError{Field: "repo_url", Message: "must not be empty"}
		}
		app.RepoURL = repoURL
	}
	if in.Branch != nil {
		app.Branch = strings.TrimSpace(*in.Branch)
		if app.Branch == "" {
			app.Branch = defaultBranch
		}
	}
	if strings.HasPrefix(app.RepoURL, "-") || strings.HasPrefix(app.Branch, "-") {
		return nil, ValidationError{Field: "repo_url", Message: "must not start with '-'"}
	}
	if in.EnvVars != nil {
		if err := validateEnv(in.EnvVars); err != nil {
			return nil, err
		}
		app.EnvVars = in.EnvVars
	}
	if err := c.deps.Store.UpdateApplicationSource(ctx, app); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update application: %w", err)
	}
	c.logger.Info("application updated", "application_id", app.ID, "branch", app.Branch, "env_vars", len(app.EnvVars))
	c.deps.Events.StatusChanged(app.ID, app.Status)
	return c.load(ctx, id)
}

func validateEnv(vars map[string]string) error {
	for key := range vars {
		if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "= \t\n") {
			return ValidationError{Field: "env_vars", Message: fmt.Sprintf("invalid variable name %q", key)}
		}
	}
	return nil
}

// Start relaunches the existing container of a stopped or failed
// application after charging its owner.
func (c *Controller) Start(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	return c.startLocked(ctx, id)
}

func (c *Controller) startLocked(ctx context.Context, id string) error {
	app, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch app.Status {
	case domain.ApplicationBuilding:
		return ErrBuildInProgress
	case domain.ApplicationStopped, domain.ApplicationFailed:
	default:
		return invalidState(app.Status, "start")
	}
	if app.Suspended {
		return ErrSuspended
	}
	if app.ContainerID == "" || app.Port == nil {
		return ErrNoContainer
	}

	reason := "Monthly charge for " + app.Name
	if err := c.deps.Billing.Debit(ctx, app.OwnerID, c.opts.MonthlyCharge, reason); err != nil {
		return err
	}
	// Only running applications hold their port, so a stopped one may find
	// it taken and moves to a fresh port instead.
	lease, err := c.deps.Ports.Claim(ctx, *app.Port, app.ID)
	if errors.Is(err, ports.ErrPortUnavailable) {
		lease, err = c.deps.Ports.Allocate(ctx, app.ID)
		if err != nil {
			c.refund(ctx, app, reason)
			c.setStatus(ctx, app.ID, domain.ApplicationFailed)
			return fmt.Errorf("allocate port: %w", err)
		}
		defer lease.Release()
		return c.relaunch(ctx, app, lease.Port, reason)
	}
	if err != nil {
		c.refund(ctx, app, reason)
		return fmt.Errorf("claim port: %w", err)
	}
	defer lease.Release()

	if err := c.deps.Runtime.StartContainer(ctx, app.ContainerID); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return c.relaunch(ctx, app, lease.Port, reason)
		}
		c.refund(ctx, app, reason)
		c.setStatus(ctx, app.ID, domain.ApplicationFailed)
		return fmt.Errorf("start container: %w", err)
	}
	if err := c.deps.Store.UpdateApplicationStatus(ctx, app.ID, domain.ApplicationRunning); err != nil {
		_ = c.deps.Runtime.StopContainer(context.WithoutCancel(ctx), app.ContainerID)
		c.refund(ctx, app, reason)
		if errors.Is(err, repository.ErrPortInUse) {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return fmt.Errorf("update status: %w", err)
	}
	c.logger.Info("application started", "application_id", app.ID, "port", *app.Port)
	c.deps.Events.StatusChanged(app.ID, domain.ApplicationRunning)
	return nil
}

// relaunch recreates the application's container from its last image on
// port and records it. The charge is refunded and the application marked
// failed when that cannot be done.
func (c *Controller) relaunch(ctx context.Context, app *domain.Application, port int, reason string) error {
	log := c.logger.With("application_id", app.ID)
	containerID, err := c.deps.Pipeline.Relaunch(ctx, *app, port)
	if err != nil {
		c.refund(ctx, app, reason)
		c.setStatus(ctx, app.ID, domain.ApplicationFailed)
		return fmt.Errorf("%w: relaunch: %v", ErrNoContainer, err)
	}
	if err := c.deps.Store.RelocateApplication(ctx, app.ID, containerID, port); err != nil {
		if rmErr := c.deps.Runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); rmErr != nil {
			log.Warn("remove relaunched container", "container_id", containerID, "error", rmErr)
		}
		c.refund(ctx, app, reason)
		c.setStatus(ctx, app.ID, domain.ApplicationFailed)
		return fmt.Errorf("record relaunch: %w", err)
	}
	if err := c.deps.Router.Enable(ctx, app.Subdomain, port); err != nil {
		log.Warn("proxy configuration failed", "subdomain", app.Subdomain, "port", port, "error", err)
	}
	log.Info("application relaunched", "previous_port", *app.Port, "port", port)
	c.deps.Events.StatusChanged(app.ID, domain.ApplicationRunning)
	return nil
}

func (c *Controller) refund(ctx context.Context, app *domain.Application, reason string) {
	if err := c.deps.Billing.Refund(context.WithoutCancel(ctx), app.OwnerID, c.opts.MonthlyCharge, "Refund: "+reason); err != nil {
		c.logger.Error("refund failed", "application_id", app.ID, "owner_id", app.OwnerID, "error", err)
	}
}

// Stop stops a running application's container.
func (c *Controller) Stop(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	return c.stopLocked(ctx, id)
}

func (c *Controller) stopLocked(ctx context.Context, id string) error {
	app, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch app.Status {
	case domain.ApplicationBuilding:
		return ErrBuildInProgress
	case domain.ApplicationRunning:
	default:
		return invalidState(app.Status, "stop")
	}
	if app.ContainerID != "" {
		if err := c.deps.Runtime.StopContainer(ctx, app.ContainerID); err != nil {
			return fmt.Errorf("stop container: %w", err)
		}
	}
	if err := c.deps.Store.UpdateApplicationStatus(ctx, app.ID, domain.ApplicationStopped); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	c.logger.Info("application stopped", "application_id", app.ID)
	c.deps.Events.StatusChanged(app.ID, domain.ApplicationStopped)
	return nil
}

// Restart stops a running application, waits the configured delay and
// starts it again. Stopped and failed applications are only started.
func (c *Controller) Restart(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	app, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if app.Status == domain.ApplicationRunning {
		if err := c.stopLocked(ctx, id); err != nil {
			return err
		}
		if c.opts.RestartDelay > 0 {
			timer := time.NewTimer(c.opts.RestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.startLocked(ctx, id)
}

// SetSuspended flags an application as suspended or clears the flag. A
// running application is stopped when suspended.
func (c *Controller) SetSuspended(ctx context.Context, id string, suspended bool) error {
	unlock := c.lock(id)
	defer unlock()
	app, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if suspended && app.Status == domain.ApplicationRunning {
		if err := c.stopLocked(ctx, id); err != nil {
			return err
		}
	}
	if err := c.deps.Store.SetApplicationSuspended(ctx, id, suspended); err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	c.logger.Info("application suspension changed", "application_id", id, "suspended", suspended)
	status := app.Status
	if suspended && status == domain.ApplicationRunning {
		status = domain.ApplicationStopped
	}
	c.deps.Events.SuspensionChanged(id, status, suspended)
	return nil
}

// Retry reruns the pipeline for the application of a failed deployment,
// recording a new deployment. The failed one is left untouched.
func (c *Controller) Retry(ctx context.Context, deploymentID string) (string, error) {
	previous, err := c.deps.Store.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrDeploymentNotFound
		}
		return "", fmt.Errorf("load deployment: %w", err)
	}
	if previous.Status != domain.DeploymentFailed {
		return "", fmt.Errorf("%w: deployment is %s, only failed deployments can be retried", ErrInvalidState, previous.Status)
	}

	unlock := c.lock(previous.ApplicationID)
	defer unlock()
	app, err := c.load(ctx, previous.ApplicationID)
	if err != nil {
		return "", err
	}
	switch app.Status {
	case domain.ApplicationBuilding:
		return "", ErrBuildInProgress
	case domain.ApplicationRunning:
		return "", invalidState(app.Status, "retry")
	}

	deployment := domain.Deployment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Status:        domain.DeploymentPending,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.deps.Store.BeginRebuild(ctx, &deployment); err != nil {
		switch {
		case errors.Is(err, repository.ErrActiveDeployment):
			return "", ErrBuildInProgress
		case errors.Is(err, repository.ErrNotFound):
			return "", ErrNotFound
		}
		return "", fmt.Errorf("begin rebuild: %w", err)
	}
	app.Status = domain.ApplicationBuilding
	c.logger.Info("deployment retried", "application_id", app.ID, "deployment_id", deployment.ID, "previous_deployment_id", previous.ID)
	c.deps.Events.StatusChanged(app.ID, domain.ApplicationBuilding)
	c.spawn(*app, deployment.ID)
	return deployment.ID, nil
}

// Delete tears down everything an application owns and removes its records.
// Teardown steps tolerate resources that are already gone.
func (c *Controller) Delete(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	app, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if app.Status == domain.ApplicationBuilding {
		return ErrBuildInProgress
	}
	log := c.logger.With("application_id", app.ID)

	refs := []string{c.deps.Pipeline.ContainerName(app.ID)}
	if app.ContainerID != "" {
		refs = append([]string{app.ContainerID}, refs...)
	}
	for _, ref := range refs {
		if err := c.deps.Runtime.StopContainer(ctx, ref); err != nil {
			log.Warn("stop container during delete", "container", ref, "error", err)
		}
		if err := c.deps.Runtime.RemoveContainer(ctx, ref); err != nil {
			log.Warn("remove container during delete", "container", ref, "error", err)
		}
	}
	if err := c.deps.Runtime.RemoveImage(ctx, c.deps.Pipeline.ImageTag(app.ID)); err != nil {
		log.Warn("remove image during delete", "error", err)
	}
	if err := c.deps.Router.Disable(ctx, app.Subdomain); err != nil {
		log.Warn("disable route during delete", "subdomain", app.Subdomain, "error", err)
	}
	if err := c.deps.Workspaces.CleanupByID(app.ID); err != nil {
		log.Warn("remove workspace during delete", "error", err)
	}

	if err := c.deps.Store.DeleteApplication(ctx, app.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete application: %w", err)
	}
	c.forget(app.ID)
	log.Info("application deleted")
	c.deps.Events.StatusChanged(app.ID, domain.StatusDeleted)
	return nil
}

// URL is the public address an application's subdomain is served at.
func (c *Controller) URL(subdomain string) string {
	return c.deps.Pipeline.URL(subdomain)
}

// Get returns one application.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Application, error) {
	return c.load(ctx, id)
}

// List returns an owner's applications.
func (c *Controller) List(ctx context.Context, ownerID string) ([]domain.Application, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ValidationError{Field: "owner_id", Message: "is required"}
	}
	return c.deps.Store.ListApplicationsByOwner(ctx, ownerID)
}

// ListDeployments returns the most recent deployments of an application.
func (c *Controller) ListDeployments(ctx context.Context, applicationID string, limit int) ([]domain.Deployment, error) {
	if _, err := c.load(ctx, applicationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDeploymentLimit
	}
	if limit > maxDeploymentLimit {
		limit = maxDeploymentLimit
	}
	return c.deps.Store.ListDeploymentsByApplication(ctx, applicationID, limit)
}

// GetDeployment returns one deployment.
func (c *Controller) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := c.deps.Store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}
	return d, nil
}

func (c *Controller) load(ctx context.Context, id string) (*domain.Application, error) {
	app, err := c.deps.Store.GetApplicationByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load application: %w", err)
	}
	return app, nil
}

func (c *Controller) setStatus(ctx context.Context, id, status string) {
	if err := c.deps.Store.UpdateApplicationStatus(context.WithoutCancel(ctx), id, status); err != nil {
		c.logger.Error("update application status", "application_id", id, "status", status, "error", err)
		return
	}
	c.deps.Events.StatusChanged(id, status)
}
