package deploy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository/memory"
	"github.com/PragyanCoder/orbitec/internal/service/deploy"
	"github.com/PragyanCoder/orbitec/internal/service/deploy/deploytest"
	"github.com/PragyanCoder/orbitec/internal/service/ingress"
	"github.com/PragyanCoder/orbitec/internal/service/logs"
	"github.com/PragyanCoder/orbitec/internal/service/ports"
	"github.com/PragyanCoder/orbitec/internal/workspace"
	"github.com/PragyanCoder/orbitec/internal/ws"
)

type harness struct {
	store    *memory.Store
	runtime  *deploytest.Runtime
	fetcher  *deploytest.Fetcher
	logs     *logs.Service
	router   deploy.Router
	rulesDir string
	workRoot string
	deps     deploy.Deps
	pipeline *deploy.Pipeline
}

func newHarness(t *testing.T, router deploy.Router) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.New(),
		runtime:  deploytest.NewRuntime(),
		fetcher:  &deploytest.Fetcher{Files: deploytest.NodeApp()},
		rulesDir: t.TempDir(),
		workRoot: t.TempDir(),
	}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	h.logs = logs.New(h.store, hub, logger)

	if router == nil {
		svc, err := ingress.New(ingress.Options{AvailableDir: h.rulesDir, BaseDomain: "example.test"}, nil, logger)
		if err != nil {
			t.Fatalf("ingress: %v", err)
		}
		router = svc
	}
	h.router = router

	wsm, err := workspace.New(h.workRoot)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	alloc, err := ports.New(h.store, ports.Range{Start: 8000, End: 8010})
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	h.deps = deploy.Deps{
		Runtime:    h.runtime,
		Fetcher:    h.fetcher,
		Workspaces: wsm,
		Ports:      alloc,
		Router:     router,
		Events:     h.logs,
		Store:      h.store,
	}
	h.usePipelineStore(t, h.store)
	return h
}

// usePipelineStore rebuilds the pipeline around store, keeping every other
// collaborator.
func (h *harness) usePipelineStore(t *testing.T, store deploy.Store) {
	t.Helper()
	deps := h.deps
	deps.Store = store
	pipeline, err := deploy.New(deps, deploy.Config{BuildTimeout: time.Minute, PublicScheme: "https"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	h.pipeline = pipeline
}

func (h *harness) seed(t *testing.T, name string) (domain.Application, string) {
	t.Helper()
	now := time.Now().UTC()
	app := domain.Application{
		ID:        "app-" + name,
		OwnerID:   "owner-1",
		Name:      name,
		RepoURL:   "https://example.test/" + name + ".git",
		Branch:    "main",
		EnvVars:   map[string]string{"GREETING": "hi", "PORT": "1"},
		Status:    domain.ApplicationBuilding,
		Subdomain: name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	dep := domain.Deployment{ID: "dep-" + name, ApplicationID: app.ID, Status: domain.DeploymentPending, CreatedAt: now}
	if err := h.store.CreateApplication(context.Background(), &app, &dep); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return app, dep.ID
}

func collect(t *testing.T, stream *ws.Stream) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-stream.C():
			if !ok {
				t.Fatalf("stream closed early")
			}
			var ev domain.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			events = append(events, ev)
			if ev.Type == domain.EventDeploymentFinished {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for deployment_finished, got %d events", len(events))
		}
	}
}

func TestPipelineDeploysNodeApplication(t *testing.T) {
	h := newHarness(t, nil)
	h.runtime.BuildOutput = []string{"Step 1/6 : FROM node:18-alpine", "Successfully built abc123"}
	app, depID := h.seed(t, "demo2")
	stream := h.logs.Subscribe(app.ID)
	defer h.logs.Unsubscribe(app.ID, stream)

	if err := h.pipeline.Run(context.Background(), app, depID); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collect(t, stream)

	got, err := h.store.GetApplicationByID(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if got.Status != domain.ApplicationRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.Port == nil || *got.Port != 8000 {
		t.Fatalf("expected port 8000, got %v", got.Port)
	}
	dep, err := h.store.GetDeploymentByID(context.Background(), depID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if dep.Status != domain.DeploymentSuccess || dep.BuildDuration == nil || dep.FinishedAt == nil {
		t.Fatalf("unexpected deployment: %+v", dep)
	}

	c, ok := h.runtime.Container(got.ContainerID)
	if !ok {
		t.Fatalf("container %s missing", got.ContainerID)
	}
	if c.Name != "orbitec-app-"+app.ID || c.Image != "orbitec-app-"+app.ID+":latest" {
		t.Fatalf("unexpected container naming: %+v", c)
	}
	if strings.Join(c.Env, ",") != "GREETING=hi,PORT=8000" {
		t.Fatalf("unexpected env: %v", c.Env)
	}
	if c.Labels[deploy.LabelApplicationID] != app.ID || c.Labels[deploy.LabelOwnerID] != "owner-1" || c.Labels[deploy.LabelDeploymentID] != depID {
		t.Fatalf("unexpected labels: %v", c.Labels)
	}

	dockerfile, err := os.ReadFile(filepath.Join(h.workRoot, app.ID, "Dockerfile"))
	if err != nil {
		t.Fatalf("read generated dockerfile: %v", err)
	}
	if !strings.Contains(string(dockerfile), "FROM node:18-alpine") {
		t.Fatalf("expected node dockerfile:\n%s", dockerfile)
	}

	rule, err := os.ReadFile(filepath.Join(h.rulesDir, "demo2.example.test.conf"))
	if err != nil {
		t.Fatalf("read rule: %v", err)
	}
	if !strings.Contains(string(rule), "server_name demo2.example.test;") || !strings.Contains(string(rule), "proxy_pass http://localhost:8000;") {
		t.Fatalf("unexpected rule:\n%s", rule)
	}

	last := events[len(events)-1]
	if last.Status != domain.DeploymentSuccess || last.URL != "https://demo2.example.test" {
		t.Fatalf("unexpected final event: %+v", last)
	}
	var sawRunning bool
	for _, ev := range events {
		if ev.Type == domain.EventStatusChanged && ev.Status == domain.ApplicationRunning {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Fatalf("expected status_changed running")
	}

	lines, err := h.logs.Replay(context.Background(), depID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	text := domain.JoinLog(lines)
	for _, want := range []string{"Cloning repository", "Step 1/6 : FROM node:18-alpine", "Allocated port 8000", "available at https://demo2.example.test"} {
		if !strings.Contains(text, want) {
			t.Fatalf("log missing %q:\n%s", want, text)
		}
	}
}

func TestPipelineFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.Err = errors.New("repository not found")
	app, depID := h.seed(t, "broken")

	err := h.pipeline.Run(context.Background(), app, depID)
	if !errors.Is(err, deploy.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	var se *deploy.StageError
	if !errors.As(err, &se) || se.Stage != "fetch" {
		t.Fatalf("expected fetch stage error, got %#v", err)
	}
	if h.runtime.Containers() != 0 {
		t.Fatalf("no container should be created")
	}
	got, _ := h.store.GetApplicationByID(context.Background(), app.ID)
	if got.Status != domain.ApplicationFailed {
		t.Fatalf("expected failed application, got %s", got.Status)
	}
	dep, _ := h.store.GetDeploymentByID(context.Background(), depID)
	if dep.Status != domain.DeploymentFailed || !strings.Contains(dep.Error, "repository not found") {
		t.Fatalf("unexpected deployment: %+v", dep)
	}
	lines, _ := h.logs.Replay(context.Background(), depID)
	if !strings.Contains(domain.JoinLog(lines), "Deployment failed:") {
		t.Fatalf("expected failure line in log")
	}
}

func TestPipelineBuildFailureKeepsWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	h.runtime.BuildOutput = []string{"npm ERR! missing script: start"}
	h.runtime.BuildErr = errors.New("build failed: exit 1")
	app, depID := h.seed(t, "nobuild")

	err := h.pipeline.Run(context.Background(), app, depID)
	if !errors.Is(err, deploy.ErrBuild) {
		t.Fatalf("expected build error, got %v", err)
	}
	if h.runtime.Containers() != 0 {
		t.Fatalf("no container should be created")
	}
	if _, err := os.Stat(filepath.Join(h.workRoot, app.ID, "package.json")); err != nil {
		t.Fatalf("workspace should be retained: %v", err)
	}
	lines, _ := h.logs.Replay(context.Background(), depID)
	if !strings.Contains(domain.JoinLog(lines), "npm ERR! missing script: start") {
		t.Fatalf("build output should be logged")
	}
}

func TestPipelineLaunchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runtime.LaunchErr = errors.New("port is already allocated")
	app, depID := h.seed(t, "nolaunch")

	err := h.pipeline.Run(context.Background(), app, depID)
	if !errors.Is(err, deploy.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	got, _ := h.store.GetApplicationByID(context.Background(), app.ID)
	if got.Status != domain.ApplicationFailed || got.Port != nil || got.ContainerID != "" {
		t.Fatalf("unexpected application after launch failure: %+v", got)
	}
	active, _ := h.store.ListActivePorts(context.Background())
	if len(active) != 0 {
		t.Fatalf("expected no active ports, got %v", active)
	}
}

type failingRouter struct{}

func (failingRouter) Hostname(subdomain string) string { return subdomain + ".example.test" }

func (failingRouter) Enable(context.Context, string, int) error {
	return errors.New("permission denied")
}

func (failingRouter) Disable(context.Context, string) error { return nil }

func TestPipelineProxyFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, failingRouter{})
	app, depID := h.seed(t, "noproxy")

	if err := h.pipeline.Run(context.Background(), app, depID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetApplicationByID(context.Background(), app.ID)
	if got.Status != domain.ApplicationRunning {
		t.Fatalf("expected running despite proxy failure, got %s", got.Status)
	}
	lines, _ := h.logs.Replay(context.Background(), depID)
	if !strings.Contains(domain.JoinLog(lines), "Proxy configuration failed: permission denied") {
		t.Fatalf("proxy failure should be logged")
	}
}

func TestPipelineRebuildReplacesContainer(t *testing.T) {
	h := newHarness(t, nil)
	app, depID := h.seed(t, "again")
	if err := h.pipeline.Run(context.Background(), app, depID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := h.store.GetApplicationByID(context.Background(), app.ID)
	if err := h.store.UpdateApplicationStatus(context.Background(), app.ID, domain.ApplicationStopped); err != nil {
		t.Fatalf("stop: %v", err)
	}

	next := domain.Deployment{ID: "dep-again-2", ApplicationID: app.ID, Status: domain.DeploymentPending, CreatedAt: time.Now().UTC()}
	if err := h.store.BeginRebuild(context.Background(), &next); err != nil {
		t.Fatalf("begin rebuild: %v", err)
	}
	if err := h.pipeline.Run(context.Background(), *first, next.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := h.runtime.Container(first.ContainerID); ok {
		t.Fatalf("previous container should be replaced")
	}
	if h.runtime.Containers() != 1 {
		t.Fatalf("expected exactly one container, got %d", h.runtime.Containers())
	}
}

// markFailingStore refuses to move deployments to building.
type markFailingStore struct {
	*memory.Store
	err error
}

func (s markFailingStore) MarkDeploymentBuilding(context.Context, string) error {
	return s.err
}

func TestPipelineCommitsFailureWhenMarkBuildingFails(t *testing.T) {
	h := newHarness(t, nil)
	h.usePipelineStore(t, markFailingStore{Store: h.store, err: errors.New("connection reset by peer")})
	app, depID := h.seed(t, "unmarked")
	stream := h.logs.Subscribe(app.ID)
	defer h.logs.Unsubscribe(app.ID, stream)

	err := h.pipeline.Run(context.Background(), app, depID)
	if !errors.Is(err, deploy.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	var se *deploy.StageError
	if !errors.As(err, &se) || se.Stage != "prepare" {
		t.Fatalf("expected prepare stage error, got %#v", err)
	}
	events := collect(t, stream)
	if last := events[len(events)-1]; last.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed deployment_finished, got %+v", last)
	}

	got, _ := h.store.GetApplicationByID(context.Background(), app.ID)
	if got.Status != domain.ApplicationFailed {
		t.Fatalf("expected failed application, got %s", got.Status)
	}
	dep, _ := h.store.GetDeploymentByID(context.Background(), depID)
	if dep.Status != domain.DeploymentFailed || !strings.Contains(dep.Error, "connection reset by peer") {
		t.Fatalf("unexpected deployment: %+v", dep)
	}
	if h.fetcher.Calls() != 0 || h.runtime.Containers() != 0 {
		t.Fatalf("no stage should run after the mark fails")
	}
}

func TestPipelineSkipsDeploymentNoLongerPending(t *testing.T) {
	h := newHarness(t, nil)
	app, depID := h.seed(t, "stale")
	failure := domain.DeploymentFailure{ApplicationID: app.ID, DeploymentID: depID, Error: "interrupted", FinishedAt: time.Now()}
	if err := h.store.FailDeployment(context.Background(), failure); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := h.pipeline.Run(context.Background(), app, depID); err == nil {
		t.Fatalf("expected run to refuse a terminal deployment")
	}
	dep, _ := h.store.GetDeploymentByID(context.Background(), depID)
	if dep.Error != "interrupted" {
		t.Fatalf("terminal deployment was rewritten: %+v", dep)
	}
	if h.fetcher.Calls() != 0 {
		t.Fatalf("fetch should not run")
	}
}
