// Package deploy runs the fetch, build and launch pipeline for one deployment
// of an application and commits its terminal state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PragyanCoder/orbitec/internal/docker"
	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
	"github.com/PragyanCoder/orbitec/internal/service/ports"
)

// Container labels attached to every launched application.
const (
	LabelApplicationID   = "orbitec.app.id"
	LabelApplicationName = "orbitec.app.name"
	LabelOwnerID         = "orbitec.owner.id"
	LabelDeploymentID    = "orbitec.deployment.id"
)

const (
	defaultImagePrefix = "orbitec-app"
	commitTimeout      = 30 * time.Second
)

// Runtime is the subset of the container engine the pipeline drives.
type Runtime interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
	CreateAndStart(ctx context.Context, spec docker.LaunchSpec) (string, error)
	RemoveContainer(ctx context.Context, ref string) error
}

// Fetcher retrieves source code into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, repoURL, branch, dest string) error
}

// Workspaces hands out per-application build directories.
type Workspaces interface {
	Prepare(identifier string) (string, error)
}

// PortAllocator leases backend ports.
type PortAllocator interface {
	Allocate(ctx context.Context, owner string) (*ports.Lease, error)
}

// Router maintains reverse proxy routes.
type Router interface {
	Hostname(subdomain string) string
	Enable(ctx context.Context, subdomain string, port int) error
	Disable(ctx context.Context, subdomain string) error
}

// Events receives the pipeline's log lines and lifecycle events.
type Events interface {
	Append(ctx context.Context, applicationID, deploymentID, message string) (domain.LogLine, error)
	StatusChanged(applicationID, status string)
	DeploymentFinished(applicationID, deploymentID, status, url, cause string)
}

// Store persists deployment progress and the terminal commit.
type Store interface {
	MarkDeploymentBuilding(ctx context.Context, id string) error
	CompleteDeployment(ctx context.Context, reg domain.Registration) error
	FailDeployment(ctx context.Context, failure domain.DeploymentFailure) error
}

// Config tunes a Pipeline.
type Config struct {
	BuildTimeout time.Duration
	ImagePrefix  string
	PublicScheme string
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	Runtime    Runtime
	Fetcher    Fetcher
	Workspaces Workspaces
	Ports      PortAllocator
	Router     Router
	Events     Events
	Store      Store
}

// Pipeline executes deployments. Each Run is independent; concurrent runs
// share only the port allocator.
type Pipeline struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	metrics pipelineMetrics
}

// New validates deps and returns a pipeline.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Runtime == nil:
		return nil, errors.New("deploy: runtime required")
	case deps.Fetcher == nil:
		return nil, errors.New("deploy: fetcher required")
	case deps.Workspaces == nil:
		return nil, errors.New("deploy: workspaces required")
	case deps.Ports == nil:
		return nil, errors.New("deploy: port allocator required")
	case deps.Router == nil:
		return nil, errors.New("deploy: router required")
	case deps.Events == nil:
		return nil, errors.New("deploy: events required")
	case deps.Store == nil:
		return nil, errors.New("deploy: store required")
	}
	if strings.TrimSpace(cfg.ImagePrefix) == "" {
		cfg.ImagePrefix = defaultImagePrefix
	}
	if strings.TrimSpace(cfg.PublicScheme) == "" {
		cfg.PublicScheme = "https"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "pipeline"),
		now:     time.Now,
		metrics: initMetrics(),
	}, nil
}

// ContainerName is the stable container name of an application.
func (p *Pipeline) ContainerName(applicationID string) string {
	return p.cfg.ImagePrefix + "-" + applicationID
}

// ImageTag is the image an application's deployments build into.
func (p *Pipeline) ImageTag(applicationID string) string {
	return p.ContainerName(applicationID) + ":latest"
}

// URL is the public address of a subdomain.
func (p *Pipeline) URL(subdomain string) string {
	return p.cfg.PublicScheme + "://" + p.deps.Router.Hostname(subdomain)
}

// Relaunch replaces an application's container with a new one created from
// its last built image and bound to port. Nothing is fetched or built. The
// caller holds the port lease and records the returned container.
func (p *Pipeline) Relaunch(ctx context.Context, app domain.Application, port int) (string, error) {
	name := p.ContainerName(app.ID)
	for _, ref := range []string{app.ContainerID, name} {
		if ref == "" {
			continue
		}
		if err := p.deps.Runtime.RemoveContainer(ctx, ref); err != nil {
			return "", fmt.Errorf("remove previous container: %w", err)
		}
	}
	id, err := p.deps.Runtime.CreateAndStart(ctx, docker.LaunchSpec{
		Name:  name,
		Image: p.ImageTag(app.ID),
		Env:   launchEnv(app.EnvVars, port),
		Port:  port,
		Labels: map[string]string{
			LabelApplicationID:   app.ID,
			LabelApplicationName: app.Name,
			LabelOwnerID:         app.OwnerID,
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("container relaunched", "application_id", app.ID, "port", port, "container_id", shortID(id))
	return id, nil
}

type stage struct {
	name string
	kind error
	run  func(*run, context.Context) error
}

var stages = []stage{
	{name: "workspace", kind: ErrFetch, run: (*run).prepareWorkspace},
	{name: "fetch", kind: ErrFetch, run: (*run).fetch},
	{name: "resolve", kind: ErrBuild, run: (*run).resolve},
	{name: "build", kind: ErrBuild, run: (*run).build},
	{name: "launch", kind: ErrLaunch, run: (*run).launch},
	{name: "route", kind: ErrLaunch, run: (*run).route},
	{name: "register", kind: ErrLaunch, run: (*run).register},
}

// run is the mutable state of one pipeline execution.
type run struct {
	p            *Pipeline
	app          domain.Application
	deploymentID string
	logger       *slog.Logger
	started      time.Time
	stage        string

	workdir     string
	descriptor  descriptor
	lease       *ports.Lease
	containerID string
	replaced    bool
	routed      bool
	url         string
}

// Run executes every stage for deploymentID in order and commits the
// terminal state. The returned error is the failure already recorded on the
// deployment; callers only log it.
func (p *Pipeline) Run(ctx context.Context, app domain.Application, deploymentID string) (err error) {
	r := &run{
		p:            p,
		app:          app,
		deploymentID: deploymentID,
		logger:       p.logger.With("application_id", app.ID, "deployment_id", deploymentID),
		started:      p.now(),
	}
	if p.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BuildTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline panic", "stage", r.stage, "panic", rec)
			err = &StageError{Stage: r.stage, Kind: ErrInternal, Err: fmt.Errorf("panic: %v", rec)}
			r.fail(ctx, err)
		}
	}()

	r.stage = "prepare"
	if err := p.deps.Store.MarkDeploymentBuilding(ctx, deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// deleted, or already committed by another writer
			r.logger.Warn("deployment no longer pending", "error", err)
			return fmt.Errorf("mark deployment building: %w", err)
		}
		err = stageError("prepare", ErrInternal, err)
		r.fail(ctx, err)
		return err
	}
	r.logger.Info("deployment started", "repo_url", app.RepoURL, "branch", app.Branch)
	r.log(ctx, fmt.Sprintf("Starting deployment for %s", app.Name))

	for _, st := range stages {
		r.stage = st.name
		begin := p.now()
		stageErr := st.run(r, ctx)
		p.metrics.observeStage(st.name, p.now().Sub(begin))
		if stageErr != nil {
			err = stageError(st.name, st.kind, stageErr)
			r.fail(ctx, err)
			return err
		}
	}
	r.succeed()
	return nil
}

func (r *run) log(ctx context.Context, message string) {
	if _, err := r.p.deps.Events.Append(ctx, r.app.ID, r.deploymentID, message); err != nil {
		r.logger.Warn("append deployment log failed", "stage", r.stage, "error", err)
	}
}

func (r *run) prepareWorkspace(context.Context) error {
	dir, err := r.p.deps.Workspaces.Prepare(r.app.ID)
	if err != nil {
		return err
	}
	r.workdir = dir
	return nil
}

func (r *run) fetch(ctx context.Context) error {
	branch := r.app.Branch
	if branch == "" {
		branch = "main"
	}
	r.log(ctx, fmt.Sprintf("Cloning repository %s (branch %s)...", r.app.RepoURL, branch))
	if err := r.p.deps.Fetcher.Fetch(ctx, r.app.RepoURL, branch, r.workdir); err != nil {
		return err
	}
	r.log(ctx, "Repository cloned successfully")
	return nil
}

func (r *run) resolve(ctx context.Context) error {
	desc, err := resolveDescriptor(r.workdir)
	if err != nil {
		return err
	}
	r.descriptor = desc
	if desc.Generated {
		r.log(ctx, fmt.Sprintf("No Dockerfile found, generated default for %s runtime", desc.Runtime))
	} else {
		r.log(ctx, "Using Dockerfile from repository")
	}
	r.logger.Info("build descriptor resolved", "runtime", desc.Runtime, "generated", desc.Generated, "package_manager", desc.PackageManager)
	return nil
}

func (r *run) build(ctx context.Context) error {
	tag := r.p.ImageTag(r.app.ID)
	r.log(ctx, fmt.Sprintf("Building image %s...", tag))
	onOutput := func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		r.log(ctx, line)
	}
	if err := r.p.deps.Runtime.BuildImage(ctx, r.workdir, tag, onOutput); err != nil {
		return err
	}
	r.log(ctx, "Image built successfully")
	return nil
}

func (r *run) launch(ctx context.Context) error {
	lease, err := r.p.deps.Ports.Allocate(ctx, r.app.ID)
	if err != nil {
		return err
	}
	r.lease = lease
	r.log(ctx, fmt.Sprintf("Allocated port %d", lease.Port))

	name := r.p.ContainerName(r.app.ID)
	if r.app.ContainerID != "" {
		if err := r.p.deps.Runtime.RemoveContainer(ctx, r.app.ContainerID); err != nil {
			return fmt.Errorf("remove previous container: %w", err)
		}
	}
	if err := r.p.deps.Runtime.RemoveContainer(ctx, name); err != nil {
		return fmt.Errorf("remove previous container: %w", err)
	}
	r.replaced = true

	id, err := r.p.deps.Runtime.CreateAndStart(ctx, docker.LaunchSpec{
		Name:   name,
		Image:  r.p.ImageTag(r.app.ID),
		Env:    launchEnv(r.app.EnvVars, lease.Port),
		Port:   lease.Port,
		Labels: r.labels(),
	})
	if err != nil {
		return err
	}
	r.containerID = id
	r.log(ctx, fmt.Sprintf("Container started: %s", shortID(id)))
	return nil
}

// route is best effort: a proxy failure is recorded in the log and the
// application still goes live on its port.
func (r *run) route(ctx context.Context) error {
	r.url = r.p.URL(r.app.Subdomain)
	if err := r.p.deps.Router.Enable(ctx, r.app.Subdomain, r.lease.Port); err != nil {
		r.logger.Warn("proxy configuration failed", "subdomain", r.app.Subdomain, "error", err)
		r.log(ctx, fmt.Sprintf("Proxy configuration failed: %v", err))
		return nil
	}
	r.routed = true
	r.log(ctx, fmt.Sprintf("Proxy configured for %s", r.p.deps.Router.Hostname(r.app.Subdomain)))
	return nil
}

func (r *run) register(ctx context.Context) error {
	r.log(ctx, fmt.Sprintf("Application started, available at %s", r.url))
	finished := r.p.now().UTC()
	return r.p.deps.Store.CompleteDeployment(ctx, domain.Registration{
		ApplicationID: r.app.ID,
		DeploymentID:  r.deploymentID,
		ContainerID:   r.containerID,
		Port:          r.lease.Port,
		BuildDuration: finished.Sub(r.started),
		FinishedAt:    finished,
	})
}

func (r *run) succeed() {
	r.lease.Release()
	r.p.metrics.recordRun(domain.DeploymentSuccess, "")
	r.logger.Info("deployment succeeded", "port", r.lease.Port, "container_id", shortID(r.containerID), "duration", r.p.now().Sub(r.started))
	r.p.deps.Events.StatusChanged(r.app.ID, domain.ApplicationRunning)
	r.p.deps.Events.DeploymentFinished(r.app.ID, r.deploymentID, domain.DeploymentSuccess, r.url, "")
}

// fail tears down what the run created and commits the failure. It runs on a
// context detached from the run's deadline so a timed out build still
// records its outcome.
func (r *run) fail(runCtx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), commitTimeout)
	defer cancel()
	defer r.lease.Release()

	if r.containerID != "" {
		if err := r.p.deps.Runtime.RemoveContainer(ctx, r.containerID); err != nil {
			r.logger.Warn("remove container after failure", "container_id", shortID(r.containerID), "error", err)
		}
	}
	if r.routed {
		if err := r.p.deps.Router.Disable(ctx, r.app.Subdomain); err != nil {
			r.logger.Warn("disable route after failure", "subdomain", r.app.Subdomain, "error", err)
		}
	}
	r.log(ctx, fmt.Sprintf("Deployment failed: %v", cause))

	finished := r.p.now().UTC()
	err := r.p.deps.Store.FailDeployment(ctx, domain.DeploymentFailure{
		ApplicationID:  r.app.ID,
		DeploymentID:   r.deploymentID,
		Error:          cause.Error(),
		BuildDuration:  finished.Sub(r.started),
		FinishedAt:     finished,
		ClearContainer: r.replaced,
	})
	r.p.metrics.recordRun(domain.DeploymentFailed, kindLabel(cause))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Info("deployment record gone before failure commit", "error", cause)
			return
		}
		r.logger.Error("commit deployment failure", "error", err, "cause", cause)
	}
	r.logger.Warn("deployment failed", "stage", r.stage, "error", cause)
	r.p.deps.Events.StatusChanged(r.app.ID, domain.ApplicationFailed)
	r.p.deps.Events.DeploymentFinished(r.app.ID, r.deploymentID, domain.DeploymentFailed, "", cause.Error())
}

func (r *run) labels() map[string]string {
	return map[string]string{
		LabelApplicationID:   r.app.ID,
		LabelApplicationName: r.app.Name,
		LabelOwnerID:         r.app.OwnerID,
		LabelDeploymentID:    r.deploymentID,
	}
}

// launchEnv renders the user's variables in key order followed by PORT,
// which always carries the allocated port.
func launchEnv(vars map[string]string, port int) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if k == "PORT" || strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return append(env, "PORT="+strconv.Itoa(port))
}

func kindLabel(err error) string {
	switch {
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrBuild):
		return "build"
	case errors.Is(err, ErrLaunch):
		return "launch"
	default:
		return "internal"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
