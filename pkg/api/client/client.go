package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the orbitec control surface for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setToken(req.Header, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setToken(h http.Header, token string) {
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Application mirrors the server's application payload.
type Application struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Name           string     `json:"name"`
	RepoURL        string     `json:"repo_url"`
	Branch         string     `json:"branch"`
	Status         string     `json:"status"`
	Subdomain      string     `json:"subdomain"`
	URL            string     `json:"url"`
	Port           *int       `json:"port,omitempty"`
	ContainerID    string     `json:"container_id,omitempty"`
	EnvKeys        []string   `json:"env_keys"`
	Suspended      bool       `json:"suspended"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastDeployedAt *time.Time `json:"last_deployed_at,omitempty"`
}

// CreateApplicationInput captures the payload for application creation.
type CreateApplicationInput struct {
	OwnerID string            `json:"owner_id"`
	Name    string            `json:"name"`
	RepoURL string            `json:"repo_url"`
	Branch  string            `json:"branch,omitempty"`
	EnvVars map[string]string `json:"env_vars,omitempty"`
}

// Created is returned when an application is accepted.
type Created struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Subdomain    string `json:"subdomain"`
	URL          string `json:"url"`
}

// CreateApplication registers an application and starts its first deployment.
func (c *Client) CreateApplication(ctx context.Context, token string, input CreateApplicationInput) (Created, error) {
	var out Created
	if err := c.do(ctx, http.MethodPost, "/applications", input, token, &out); err != nil {
		return Created{}, err
	}
	return out, nil
}

// ListApplications returns the owner's applications.
func (c *Client) ListApplications(ctx context.Context, token, ownerID string) ([]Application, error) {
	path := fmt.Sprintf("/applications?owner_id=%s", url.QueryEscape(ownerID))
	var apps []Application
	if err := c.do(ctx, http.MethodGet, path, nil, token, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// GetApplication fetches one application.
func (c *Client) GetApplication(ctx context.Context, token, id string) (Application, error) {
	var app Application
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(id), nil, token, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// UpdateApplicationInput changes an application's source. Nil fields are
// left as they are. A non-nil EnvVars, even an empty one, replaces the
// whole set.
type UpdateApplicationInput struct {
	Name    *string           `json:"name,omitempty"`
	RepoURL *string           `json:"repo_url,omitempty"`
	Branch  *string           `json:"branch,omitempty"`
	EnvVars map[string]string `json:"env_vars"`
}

// UpdateApplication stores new source settings for the next deployment.
func (c *Client) UpdateApplication(ctx context.Context, token, id string, input UpdateApplicationInput) (Application, error) {
	var app Application
	if err := c.do(ctx, http.MethodPatch, "/applications/"+url.PathEscape(id), input, token, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// DeleteApplication tears down an application.
func (c *Client) DeleteApplication(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, "/applications/"+url.PathEscape(id), nil, token, nil)
}

// Lifecycle actions accepted by Act.
const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionRestart   = "restart"
	ActionSuspend   = "suspend"
	ActionUnsuspend = "unsuspend"
)

// Act runs a lifecycle action and returns the resulting application.
func (c *Client) Act(ctx context.Context, token, id, action string) (Application, error) {
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionSuspend, ActionUnsuspend:
	default:
		return Application{}, fmt.Errorf("unknown action %q", action)
	}
	path := fmt.Sprintf("/applications/%s/%s", url.PathEscape(id), action)
	var app Application
	if err := c.do(ctx, http.MethodPost, path, nil, token, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// Deployment mirrors the server's deployment payload.
type Deployment struct {
	ID              string     `json:"id"`
	ApplicationID   string     `json:"application_id"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	BuildDurationMS *int64     `json:"build_duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ListDeployments fetches recent deployments for an application.
func (c *Client) ListDeployments(ctx context.Context, token, applicationID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/applications/%s/deployments%s", url.PathEscape(applicationID), query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// RetryDeployment reruns the pipeline for a failed deployment and returns the new deployment id.
func (c *Client) RetryDeployment(ctx context.Context, token, deploymentID string) (string, error) {
	var out struct {
		DeploymentID string `json:"deployment_id"`
	}
	path := fmt.Sprintf("/deployments/%s/retry", url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodPost, path, nil, token, &out); err != nil {
		return "", err
	}
	return out.DeploymentID, nil
}

// DeploymentLog is the stored log of one deployment.
type DeploymentLog struct {
	DeploymentID string   `json:"deployment_id"`
	Status       string   `json:"status"`
	Lines        []string `json:"lines"`
}

// FetchLogs returns the stored log of a deployment.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string) (DeploymentLog, error) {
	path := fmt.Sprintf("/deployments/%s/logs", url.PathEscape(deploymentID))
	var out DeploymentLog
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return DeploymentLog{}, err
	}
	return out, nil
}

// Event is one message on an application's live channel.
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

// ErrStop may be returned by a Follow callback to end the stream without error.
var ErrStop = errors.New("stop following")

// Follow streams an application's channel over a websocket, primed with the
// log of deploymentID when set, until fn returns an error or ctx ends.
func (c *Client) Follow(ctx context.Context, token, applicationID, deploymentID string, fn func(Event) error) error {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/applications/" + url.PathEscape(applicationID)
	if deploymentID != "" {
		endpoint += "?deployment_id=" + url.QueryEscape(deploymentID)
	}
	header := http.Header{}
	setToken(header, token)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := fn(event); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}
