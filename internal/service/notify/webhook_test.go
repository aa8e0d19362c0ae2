package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PragyanCoder/orbitec/internal/domain"
)

func TestNotifySignsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if got, want := r.Header.Get(SignatureHeader), "sha256="+Sign("secret", body); got != want {
			t.Errorf("signature %q, want %q", got, want)
		}
		if r.Header.Get(EventHeader) != domain.EventDeploymentFinished {
			t.Errorf("unexpected event header %q", r.Header.Get(EventHeader))
		}
		var event domain.Event
		if err := json.Unmarshal(body, &event); err != nil {
			t.Errorf("decode: %v", err)
		}
		if event.URL != "https://demo.example.test" {
			t.Errorf("unexpected url %q", event.URL)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "secret", nil)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	event := domain.Event{
		Type:          domain.EventDeploymentFinished,
		ApplicationID: "app-1",
		DeploymentID:  "dep-1",
		Status:        domain.DeploymentSuccess,
		URL:           "https://demo.example.test",
		Timestamp:     time.Now().UTC(),
	}
	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestNotifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "", &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	err = hook.Notify(context.Background(), domain.Event{Type: domain.EventDeploymentFinished})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestNewWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhook("  ", "", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
