package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
)

func seed(t *testing.T, s *Store, appID, subdomain string) {
	t.Helper()
	now := time.Now().UTC()
	app := &domain.Application{ID: appID, OwnerID: "owner", Name: subdomain, Subdomain: subdomain, Status: domain.ApplicationBuilding, CreatedAt: now}
	dep := &domain.Deployment{ID: appID + "-d1", ApplicationID: appID, Status: domain.DeploymentPending, CreatedAt: now}
	if err := s.CreateApplication(context.Background(), app, dep); err != nil {
		t.Fatalf("create %s: %v", appID, err)
	}
}

func TestCreateApplicationRejectsDuplicateSubdomain(t *testing.T) {
	s := New()
	seed(t, s, "a", "demo")
	app := &domain.Application{ID: "b", Subdomain: "demo"}
	dep := &domain.Deployment{ID: "b-d1", ApplicationID: "b", Status: domain.DeploymentPending}
	if err := s.CreateApplication(context.Background(), app, dep); !errors.Is(err, repository.ErrDuplicateSubdomain) {
		t.Fatalf("expected ErrDuplicateSubdomain, got %v", err)
	}
}

func TestBeginRebuildRejectsSecondActiveDeployment(t *testing.T) {
	s := New()
	seed(t, s, "a", "demo")
	dep := &domain.Deployment{ID: "a-d2", ApplicationID: "a", Status: domain.DeploymentPending}
	if err := s.BeginRebuild(context.Background(), dep); !errors.Is(err, repository.ErrActiveDeployment) {
		t.Fatalf("expected ErrActiveDeployment, got %v", err)
	}
}

func TestCompleteDeploymentRejectsRunningPortCollision(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "one")
	seed(t, s, "b", "two")
	now := time.Now().UTC()
	if err := s.CompleteDeployment(ctx, domain.Registration{ApplicationID: "a", DeploymentID: "a-d1", ContainerID: "c1", Port: 8000, FinishedAt: now}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	err := s.CompleteDeployment(ctx, domain.Registration{ApplicationID: "b", DeploymentID: "b-d1", ContainerID: "c2", Port: 8000, FinishedAt: now})
	if !errors.Is(err, repository.ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	ports, _ := s.ListActivePorts(ctx)
	if len(ports) != 1 || ports[0] != 8000 {
		t.Fatalf("unexpected active ports %v", ports)
	}
}

func TestFailDeploymentIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "demo")
	failure := domain.DeploymentFailure{ApplicationID: "a", DeploymentID: "a-d1", Error: "boom", FinishedAt: time.Now()}
	if err := s.FailDeployment(ctx, failure); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.FailDeployment(ctx, failure); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected second terminal write to be rejected, got %v", err)
	}
	app, _ := s.GetApplicationByID(ctx, "a")
	if app.Status != domain.ApplicationFailed {
		t.Fatalf("expected failed application, got %s", app.Status)
	}
}

func TestDeleteApplicationCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "demo")
	if _, err := s.AppendDeploymentLog(ctx, "a-d1", "line", time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.DeleteApplication(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDeploymentByID(ctx, "a-d1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected deployment removed, got %v", err)
	}
	if lines, _ := s.ListDeploymentLogs(ctx, "a-d1"); len(lines) != 0 {
		t.Fatalf("expected logs removed, got %d", len(lines))
	}
}

func TestRelocateApplicationRejectsRunningPort(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "one")
	seed(t, s, "b", "two")
	if err := s.CompleteDeployment(ctx, domain.Registration{ApplicationID: "a", DeploymentID: "a-d1", ContainerID: "c1", Port: 8000, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := s.RelocateApplication(ctx, "b", "c2", 8000); !errors.Is(err, repository.ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if err := s.RelocateApplication(ctx, "b", "c2", 8001); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	app, _ := s.GetApplicationByID(ctx, "b")
	if app.Status != domain.ApplicationRunning || app.ContainerID != "c2" || *app.Port != 8001 {
		t.Fatalf("unexpected application %+v", app)
	}
}

func TestUpdateApplicationSourceKeepsSubdomain(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "demo")
	update := &domain.Application{ID: "a", Name: "renamed", RepoURL: "https://example.test/r.git", Branch: "dev", Subdomain: "other", Status: domain.ApplicationRunning, EnvVars: map[string]string{"K": "v"}}
	if err := s.UpdateApplicationSource(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}
	update.EnvVars["K"] = "mutated"
	app, _ := s.GetApplicationByID(ctx, "a")
	if app.Name != "renamed" || app.Branch != "dev" || app.EnvVars["K"] != "v" {
		t.Fatalf("source not updated: %+v", app)
	}
	if app.Subdomain != "demo" || app.Status != domain.ApplicationBuilding {
		t.Fatalf("subdomain or status changed: %+v", app)
	}
	if err := s.UpdateApplicationSource(ctx, &domain.Application{ID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
