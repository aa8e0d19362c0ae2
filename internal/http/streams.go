package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/service/logs"
	"github.com/PragyanCoder/orbitec/internal/ws"
)

// attach validates the application and joins its channel, primed with the
// log of the deployment named by the deployment_id query parameter.
func (r *Router) attach(w http.ResponseWriter, req *http.Request) (*logs.Attachment, bool) {
	appID := req.PathValue("id")
	if _, err := r.apps.Get(req.Context(), appID); err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID != "" {
		d, err := r.apps.GetDeployment(req.Context(), deploymentID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return nil, false
		}
		if d.ApplicationID != appID {
			writeError(w, http.StatusBadRequest, "deployment does not belong to application")
			return nil, false
		}
	}
	att, err := r.logs.Attach(req.Context(), appID, deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	return att, true
}

func replayEvents(applicationID string, lines []domain.LogLine) []domain.Event {
	out := make([]domain.Event, 0, len(lines))
	for _, l := range lines {
		out = append(out, domain.Event{
			Type:          domain.EventLogAppended,
			ApplicationID: applicationID,
			DeploymentID:  l.DeploymentID,
			Seq:           l.Seq,
			Line:          l.Line,
			Timestamp:     l.CreatedAt,
		})
	}
	return out
}

func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	att, ok := r.attach(w, req)
	if !ok {
		return
	}
	defer att.Close()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()
	defer r.trackStream("websocket")()

	// the request context ends with the handler, so the stream runs on its own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go r.keepAlive(ctx, client.Ping)

	appID := req.PathValue("id")
	for _, event := range replayEvents(appID, att.Replay) {
		if err := sendJSON(client.Send, event); err != nil {
			return
		}
	}
	for {
		event, err := att.Next(ctx)
		if err != nil {
			if errors.Is(err, logs.ErrLagged) {
				r.logger.Warn("websocket subscriber fell behind", "application_id", appID)
				client.CloseWithReason(websocket.CloseTryAgainLater, "subscriber fell behind")
			}
			return
		}
		if err := sendJSON(client.Send, event); err != nil {
			return
		}
		if event.Type == domain.EventStatusChanged && event.Status == domain.StatusDeleted {
			client.CloseWithReason(websocket.CloseNormalClosure, "application deleted")
			return
		}
	}
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	att, ok := r.attach(w, req)
	if !ok {
		return
	}
	defer att.Close()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	defer r.trackStream("sse")()
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go r.keepAlive(ctx, client.Heartbeat)

	send := func(event domain.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return client.SendEvent(event.Type, payload)
	}
	appID := req.PathValue("id")
	for _, event := range replayEvents(appID, att.Replay) {
		if err := send(event); err != nil {
			return
		}
	}
	for {
		event, err := att.Next(ctx)
		if err != nil {
			if errors.Is(err, logs.ErrLagged) {
				_ = client.SendEvent("error", []byte(`{"error":"subscriber fell behind"}`))
			}
			return
		}
		if err := send(event); err != nil {
			return
		}
	}
}

func (r *Router) keepAlive(ctx context.Context, ping func() error) {
	ticker := time.NewTicker(r.cfg.StreamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				return
			}
		}
	}
}

func sendJSON(send func([]byte) error, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return send(payload)
}
