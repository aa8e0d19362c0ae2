package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/PragyanCoder/orbitec/internal/docker"
)

type stubSignaler struct {
	signals []string
	err     error
}

func (s *stubSignaler) SignalContainer(_ context.Context, ref, signal string) error {
	s.signals = append(s.signals, ref+":"+signal)
	return s.err
}

func newTestService(t *testing.T, signaler *stubSignaler) (*Service, Options) {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		AvailableDir:    filepath.Join(root, "sites-available"),
		EnabledDir:      filepath.Join(root, "sites-enabled"),
		BaseDomain:      "example.test",
		ReloadContainer: "nginx",
	}
	svc, err := New(opts, signaler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return svc, opts
}

func TestEnableWritesAndActivatesRule(t *testing.T) {
	sig := &stubSignaler{}
	svc, opts := newTestService(t, sig)

	if err := svc.Enable(context.Background(), "demo2", 8000); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rulePath := filepath.Join(opts.AvailableDir, "demo2.example.test.conf")
	data, err := os.ReadFile(rulePath)
	if err != nil {
		t.Fatalf("read rule: %v", err)
	}
	rule := string(data)
	if !strings.Contains(rule, "server_name demo2.example.test;") {
		t.Fatalf("rule missing server_name:\n%s", rule)
	}
	if !strings.Contains(rule, "proxy_pass http://localhost:8000;") {
		t.Fatalf("rule missing upstream:\n%s", rule)
	}
	target, err := os.Readlink(filepath.Join(opts.EnabledDir, "demo2.example.test.conf"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != rulePath {
		t.Fatalf("link points to %s, want %s", target, rulePath)
	}
	if !reflect.DeepEqual(sig.signals, []string{"nginx:HUP"}) {
		t.Fatalf("unexpected reloads %v", sig.signals)
	}

	if err := svc.Enable(context.Background(), "demo2", 8001); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	data, _ = os.ReadFile(rulePath)
	if !strings.Contains(string(data), "localhost:8001") {
		t.Fatalf("expected rule to be replaced:\n%s", data)
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	sig := &stubSignaler{}
	svc, opts := newTestService(t, sig)

	if err := svc.Enable(context.Background(), "demo", 8000); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := svc.Disable(context.Background(), "demo"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	for _, dir := range []string{opts.AvailableDir, opts.EnabledDir} {
		if _, err := os.Lstat(filepath.Join(dir, "demo.example.test.conf")); !os.IsNotExist(err) {
			t.Fatalf("expected rule removed from %s, err %v", dir, err)
		}
	}
	if err := svc.Disable(context.Background(), "demo"); err != nil {
		t.Fatalf("second disable: %v", err)
	}
	if len(sig.signals) != 2 {
		t.Fatalf("expected reload only when something changed, got %v", sig.signals)
	}
}

func TestEnableReportsReloadFailure(t *testing.T) {
	sig := &stubSignaler{err: docker.ErrNotFound}
	svc, _ := newTestService(t, sig)
	err := svc.Enable(context.Background(), "demo", 8000)
	if err == nil || !strings.Contains(err.Error(), "nginx container nginx not found") {
		t.Fatalf("expected reload failure, got %v", err)
	}
	if errors.Is(err, docker.ErrNotFound) {
		t.Fatalf("expected docker error to be translated")
	}
}

func TestEnableRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t, &stubSignaler{})
	if err := svc.Enable(context.Background(), "../etc", 8000); err == nil {
		t.Fatalf("expected invalid subdomain to be rejected")
	}
	if err := svc.Enable(context.Background(), "demo", 0); err == nil {
		t.Fatalf("expected invalid port to be rejected")
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string][]string{
		"nginx -s reload":                    {"nginx", "-s", "reload"},
		`sh -c "nginx -t && nginx -s reload"`: {"sh", "-c", "nginx -t && nginx -s reload"},
		`echo 'a b' c\ d`:                     {"echo", "a b", "c d"},
		`printf ''`:                           {"printf", ""},
	}
	for in, want := range cases {
		got, err := parseCommand(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parse %q = %q, want %q", in, got, want)
		}
	}
	if _, err := parseCommand(`echo "unterminated`); err == nil {
		t.Fatalf("expected unterminated quote error")
	}
}
