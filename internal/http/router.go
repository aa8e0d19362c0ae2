package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/service/apps"
	"github.com/PragyanCoder/orbitec/internal/service/logs"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// HealthCheck checks one dependency.
type HealthCheck func(context.Context) error

// Config tunes the control surface.
type Config struct {
	// APIToken, when set, is required as a bearer token on every route except
	// /healthz and /metrics. Stream routes also take it as ?access_token=.
	APIToken   string
	RateLimit  int
	RateWindow time.Duration
	// StreamPingInterval spaces websocket pings and SSE heartbeats.
	StreamPingInterval time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	apps     *apps.Controller
	logs     *logs.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	health   map[string]HealthCheck
	cfg      Config

	metricsOnce sync.Once
	metrics     *routerMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, controller *apps.Controller, logSvc *logs.Service, limiter RateLimiter, health map[string]HealthCheck, cfg Config) *Router {
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		apps:   controller,
		logs:   logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		health:  health,
		cfg:     cfg,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	read := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.instrument(route, r.requireToken(h)))
	}
	write := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.instrument(route, r.requireToken(r.withRateLimit(route, h))))
	}

	r.mux.HandleFunc("POST /applications", write("create", r.handleCreate))
	r.mux.HandleFunc("GET /applications", read("list", r.handleList))
	r.mux.HandleFunc("GET /applications/{id}", read("get", r.handleGet))
	r.mux.HandleFunc("PATCH /applications/{id}", write("update", r.handleUpdate))
	r.mux.HandleFunc("DELETE /applications/{id}", write("delete", r.handleDelete))
	r.mux.HandleFunc("POST /applications/{id}/start", write("start", r.lifecycle(r.apps.Start)))
	r.mux.HandleFunc("POST /applications/{id}/stop", write("stop", r.lifecycle(r.apps.Stop)))
	r.mux.HandleFunc("POST /applications/{id}/restart", write("restart", r.lifecycle(r.apps.Restart)))
	r.mux.HandleFunc("POST /applications/{id}/suspend", write("suspend", r.handleSuspend(true)))
	r.mux.HandleFunc("POST /applications/{id}/unsuspend", write("unsuspend", r.handleSuspend(false)))
	r.mux.HandleFunc("GET /applications/{id}/deployments", read("deployments", r.handleListDeployments))
	r.mux.HandleFunc("GET /deployments/{id}", read("deployment", r.handleGetDeployment))
	r.mux.HandleFunc("GET /deployments/{id}/logs", read("deployment_logs", r.handleDeploymentLogs))
	r.mux.HandleFunc("POST /deployments/{id}/retry", write("retry", r.handleRetry))
	stream := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.instrument(route, r.requireStreamToken(h)))
	}
	r.mux.HandleFunc("GET /ws/applications/{id}", stream("websocket", r.handleWebsocket))
	r.mux.HandleFunc("GET /events/applications/{id}", stream("events", r.handleEvents))
}

type applicationResponse struct {
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

func (r *Router) toApplication(app domain.Application) applicationResponse {
	keys := make([]string, 0, len(app.EnvVars))
	for k := range app.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return applicationResponse{
		ID:             app.ID,
		OwnerID:        app.OwnerID,
		Name:           app.Name,
		RepoURL:        app.RepoURL,
		Branch:         app.Branch,
		Status:         app.Status,
		Subdomain:      app.Subdomain,
		URL:            r.apps.URL(app.Subdomain),
		Port:           app.Port,
		ContainerID:    app.ContainerID,
		EnvKeys:        keys,
		Suspended:      app.Suspended,
		CreatedAt:      app.CreatedAt,
		UpdatedAt:      app.UpdatedAt,
		LastDeployedAt: app.LastDeployedAt,
	}
}

type deploymentResponse struct {
	ID              string     `json:"id"`
	ApplicationID   string     `json:"application_id"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	BuildDurationMS *int64     `json:"build_duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func toDeployment(d domain.Deployment) deploymentResponse {
	out := deploymentResponse{
		ID:            d.ID,
		ApplicationID: d.ApplicationID,
		Status:        d.Status,
		Error:         d.Error,
		CreatedAt:     d.CreatedAt,
		FinishedAt:    d.FinishedAt,
	}
	if d.BuildDuration != nil {
		ms := d.BuildDuration.Milliseconds()
		out.BuildDurationMS = &ms
	}
	return out
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		OwnerID string            `json:"owner_id"`
		Name    string            `json:"name"`
		RepoURL string            `json:"repo_url"`
		Branch  string            `json:"branch"`
		EnvVars map[string]string `json:"env_vars"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.apps.Create(req.Context(), apps.CreateInput{
		OwnerID: payload.OwnerID,
		Name:    payload.Name,
		RepoURL: payload.RepoURL,
		Branch:  payload.Branch,
		EnvVars: payload.EnvVars,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            res.Application.ID,
		"deployment_id": res.DeploymentID,
		"status":        res.Application.Status,
		"subdomain":     res.Application.Subdomain,
		"url":           res.URL,
	})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	list, err := r.apps.List(req.Context(), req.URL.Query().Get("owner_id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]applicationResponse, 0, len(list))
	for _, app := range list {
		out = append(out, r.toApplication(app))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	app, err := r.apps.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.toApplication(*app))
}

func (r *Router) handleUpdate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name    *string           `json:"name"`
		RepoURL *string           `json:"repo_url"`
		Branch  *string           `json:"branch"`
		EnvVars map[string]string `json:"env_vars"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	app, err := r.apps.Update(req.Context(), req.PathValue("id"), apps.UpdateInput{
		Name:    payload.Name,
		RepoURL: payload.RepoURL,
		Branch:  payload.Branch,
		EnvVars: payload.EnvVars,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.toApplication(*app))
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.apps.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) lifecycle(action func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if err := action(req.Context(), id); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		app, err := r.apps.Get(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, r.toApplication(*app))
	}
}

func (r *Router) handleSuspend(suspended bool) http.HandlerFunc {
	return r.lifecycle(func(ctx context.Context, id string) error {
		return r.apps.SetSuspended(ctx, id, suspended)
	})
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.apps.ListDeployments(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]deploymentResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDeployment(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.apps.GetDeployment(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeployment(*d))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	d, err := r.apps.GetDeployment(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	lines, err := r.logs.Replay(req.Context(), d.ID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Line)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": d.ID,
		"status":        d.Status,
		"lines":         out,
	})
}

func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request) {
	id, err := r.apps.Retry(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": id})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
