// Package logs persists deployment log lines and fans them out, together
// with status events, to live subscribers of each application.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
	"github.com/PragyanCoder/orbitec/internal/ws"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Notifier forwards deployment_finished events outside the process.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// Service handles log persistence and streaming.
type Service struct {
	repo          repository.LogRepository
	hub           *ws.Hub
	logger        *slog.Logger
	notifier      Notifier
	notifyTimeout time.Duration
	buffer        int
	now           func() time.Time
	pending       sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier forwards deployment_finished events to n.
func WithNotifier(n Notifier, timeout time.Duration) Option {
	return func(s *Service) {
		s.notifier = n
		s.notifyTimeout = timeout
	}
}

// WithStreamBuffer sets the queue length of each subscriber.
func WithStreamBuffer(n int) Option {
	return func(s *Service) { s.buffer = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		hub:           hub,
		logger:        logger.With("component", "logs"),
		notifyTimeout: 10 * time.Second,
		buffer:        256,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FormatLine renders message as a timestamped log line.
func FormatLine(at time.Time, message string) string {
	return "[" + at.UTC().Format(timestampLayout) + "] " + message
}

// Append persists message as the next line of the deployment's log, then
// publishes it on the application's channel. Callers append from a single
// goroutine per deployment, so publish order matches storage order.
func (s *Service) Append(ctx context.Context, applicationID, deploymentID, message string) (domain.LogLine, error) {
	at := s.now().UTC()
	line := FormatLine(at, strings.TrimRight(message, "\r\n"))
	entry, err := s.repo.AppendDeploymentLog(ctx, deploymentID, line, at)
	if err != nil {
		return domain.LogLine{}, err
	}
	s.Publish(domain.Event{
		Type:          domain.EventLogAppended,
		ApplicationID: applicationID,
		DeploymentID:  deploymentID,
		Seq:           entry.Seq,
		Line:          entry.Line,
		Timestamp:     at,
	})
	return entry, nil
}

// Publish fans event out to the application's subscribers.
func (s *Service) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event", "type", event.Type, "error", err)
		return
	}
	s.hub.Broadcast(event.ApplicationID, payload)
}

// StatusChanged publishes an application status transition.
func (s *Service) StatusChanged(applicationID, status string) {
	s.Publish(domain.Event{Type: domain.EventStatusChanged, ApplicationID: applicationID, Status: status})
}

// SuspensionChanged publishes a status_changed event carrying the
// application's new suspended flag.
func (s *Service) SuspensionChanged(applicationID, status string, suspended bool) {
	s.Publish(domain.Event{Type: domain.EventStatusChanged, ApplicationID: applicationID, Status: status, Suspended: &suspended})
}

// DeploymentFinished publishes the terminal outcome of a deployment and
// forwards it to the notifier, if any.
func (s *Service) DeploymentFinished(applicationID, deploymentID, status, url, cause string) {
	event := domain.Event{
		Type:          domain.EventDeploymentFinished,
		ApplicationID: applicationID,
		DeploymentID:  deploymentID,
		Status:        status,
		URL:           url,
		Error:         cause,
		Timestamp:     s.now().UTC(),
	}
	s.Publish(event)
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn("deployment notification failed", "application_id", applicationID, "deployment_id", deploymentID, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Replay returns the durable log of a deployment in append order.
func (s *Service) Replay(ctx context.Context, deploymentID string) ([]domain.LogLine, error) {
	return s.repo.ListDeploymentLogs(ctx, deploymentID)
}

// Subscribe joins the application's live channel.
func (s *Service) Subscribe(applicationID string) *ws.Stream {
	stream := ws.NewStream(s.buffer)
	s.hub.Register(applicationID, stream)
	return stream
}

// Unsubscribe leaves the channel and closes stream.
func (s *Service) Unsubscribe(applicationID string, stream *ws.Stream) {
	s.hub.Unregister(applicationID, stream)
}

var (
	// ErrLagged ends an attachment whose subscriber queue overflowed.
	ErrLagged = errors.New("logs: subscriber fell behind")
	// ErrClosed ends an attachment whose channel was closed.
	ErrClosed = errors.New("logs: stream closed")
)

// Attachment is a live subscription primed with a deployment's durable log.
// Replay followed by the events returned from Next is the sequence a
// subscriber connected since the deployment began would have seen.
type Attachment struct {
	Replay []domain.LogLine

	svc           *Service
	applicationID string
	deploymentID  string
	stream        *ws.Stream
	cursor        int64
}

// Attach subscribes to applicationID and then loads the log of deploymentID.
// Subscribing first means no line can fall between the two; lines present in
// both are skipped by Next using their sequence numbers.
func (s *Service) Attach(ctx context.Context, applicationID, deploymentID string) (*Attachment, error) {
	stream := s.Subscribe(applicationID)
	a := &Attachment{svc: s, applicationID: applicationID, deploymentID: deploymentID, stream: stream}
	if deploymentID == "" {
		return a, nil
	}
	lines, err := s.Replay(ctx, deploymentID)
	if err != nil {
		s.Unsubscribe(applicationID, stream)
		return nil, err
	}
	a.Replay = lines
	if n := len(lines); n > 0 {
		a.cursor = lines[n-1].Seq
	}
	return a, nil
}

// Next returns the next live event.
func (a *Attachment) Next(ctx context.Context) (domain.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case payload, ok := <-a.stream.C():
			if !ok {
				if a.stream.Evicted() {
					return domain.Event{}, ErrLagged
				}
				return domain.Event{}, ErrClosed
			}
			var event domain.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				a.svc.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if event.Type == domain.EventLogAppended && event.DeploymentID == a.deploymentID && event.Seq <= a.cursor {
				continue
			}
			return event, nil
		}
	}
}

// Close leaves the channel.
func (a *Attachment) Close() {
	a.svc.Unsubscribe(a.applicationID, a.stream)
}
