package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository/memory"
	"github.com/PragyanCoder/orbitec/internal/ws"
)

func newFixture(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	now := time.Now().UTC()
	app := &domain.Application{ID: "app-1", Subdomain: "demo", Status: domain.ApplicationBuilding, CreatedAt: now}
	dep := &domain.Deployment{ID: "dep-1", ApplicationID: "app-1", Status: domain.DeploymentPending, CreatedAt: now}
	if err := store.CreateApplication(context.Background(), app, dep); err != nil {
		t.Fatalf("seed: %v", err)
	}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	return New(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), store
}

func nextEvent(t *testing.T, a *Attachment) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return event
}

func TestAppendFormatsAndPersists(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newFixture(t, WithClock(func() time.Time { return fixed }))

	entry, err := svc.Append(context.Background(), "app-1", "dep-1", "Cloning repository...\n")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.Line != "[2024-05-01T12:00:00.000Z] Cloning repository..." {
		t.Fatalf("unexpected line %q", entry.Line)
	}
	lines, err := svc.Replay(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(lines) != 1 || lines[0].Line != entry.Line {
		t.Fatalf("unexpected replay %v", lines)
	}
	if _, err := svc.Append(context.Background(), "app-1", "missing", "x"); err == nil {
		t.Fatalf("expected unknown deployment to fail")
	}
}

func TestReplayPlusLiveMatchesContinuousSubscriber(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	early, err := svc.Attach(ctx, "app-1", "dep-1")
	if err != nil {
		t.Fatalf("attach early: %v", err)
	}
	defer early.Close()

	const total = 40
	var late *Attachment
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := svc.Append(ctx, "app-1", "dep-1", fmt.Sprintf("line %d", i)); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()

	// attach while the writer is running
	time.Sleep(time.Millisecond)
	late, err = svc.Attach(ctx, "app-1", "dep-1")
	if err != nil {
		t.Fatalf("attach late: %v", err)
	}
	defer late.Close()
	wg.Wait()

	var continuous []string
	for len(continuous) < total {
		continuous = append(continuous, nextEvent(t, early).Line)
	}

	var rebuilt []string
	for _, l := range late.Replay {
		rebuilt = append(rebuilt, l.Line)
	}
	for len(rebuilt) < total {
		rebuilt = append(rebuilt, nextEvent(t, late).Line)
	}

	if strings.Join(rebuilt, "\n") != strings.Join(continuous, "\n") {
		t.Fatalf("replay+live diverged from continuous subscriber:\n%q\n%q", rebuilt, continuous)
	}
	stored, _ := svc.Replay(ctx, "dep-1")
	if domain.JoinLog(stored) != strings.Join(continuous, "\n")+"\n" {
		t.Fatalf("durable log differs from live sequence")
	}
}

func TestStatusAndFinishedEvents(t *testing.T) {
	notified := make(chan domain.Event, 1)
	svc, _ := newFixture(t, WithNotifier(notifierFunc(func(_ context.Context, e domain.Event) error {
		notified <- e
		return errors.New("receiver down")
	}), time.Second))

	a, err := svc.Attach(context.Background(), "app-1", "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer a.Close()

	svc.StatusChanged("app-1", domain.ApplicationRunning)
	svc.DeploymentFinished("app-1", "dep-1", domain.DeploymentSuccess, "https://demo.example.test", "")

	if e := nextEvent(t, a); e.Type != domain.EventStatusChanged || e.Status != domain.ApplicationRunning {
		t.Fatalf("unexpected event %+v", e)
	}
	if e := nextEvent(t, a); e.Type != domain.EventDeploymentFinished || e.URL != "https://demo.example.test" {
		t.Fatalf("unexpected event %+v", e)
	}
	svc.Wait()
	select {
	case e := <-notified:
		if e.DeploymentID != "dep-1" {
			t.Fatalf("unexpected notification %+v", e)
		}
	default:
		t.Fatalf("expected notifier to be called")
	}
}

func TestSlowAttachmentReportsLag(t *testing.T) {
	svc, _ := newFixture(t, WithStreamBuffer(1))
	a, err := svc.Attach(context.Background(), "app-1", "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer a.Close()

	svc.StatusChanged("app-1", "a")
	svc.StatusChanged("app-1", "b")
	nextEvent(t, a)
	if _, err := a.Next(context.Background()); !errors.Is(err, ErrLagged) {
		t.Fatalf("expected ErrLagged, got %v", err)
	}
}

type notifierFunc func(context.Context, domain.Event) error

func (f notifierFunc) Notify(ctx context.Context, e domain.Event) error { return f(ctx, e) }
