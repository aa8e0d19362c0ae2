// Package ingress maintains the nginx routing rule of each application.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var validSubdomain = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

type reloader interface {
	Reload(ctx context.Context) error
}

// Options configures where rules live and how nginx picks them up.
type Options struct {
	// AvailableDir receives one rule file per subdomain.
	AvailableDir string
	// EnabledDir receives activation symlinks. Empty means rules in
	// AvailableDir are loaded directly.
	EnabledDir      string
	BaseDomain      string
	UpstreamHost    string
	ReloadCommand   string
	ReloadContainer string
}

// Service writes, activates and removes routing rules. Operations are
// serialized so a reload always sees a consistent set of files.
type Service struct {
	mu       sync.Mutex
	opts     Options
	reloader reloader
	logger   *slog.Logger
}

// New constructs the service. A ReloadContainer takes precedence over ReloadCommand.
func New(opts Options, signaler Signaler, logger *slog.Logger) (*Service, error) {
	if strings.TrimSpace(opts.AvailableDir) == "" {
		return nil, errors.New("ingress: rule directory required")
	}
	if strings.TrimSpace(opts.BaseDomain) == "" {
		return nil, errors.New("ingress: base domain required")
	}
	if opts.UpstreamHost == "" {
		opts.UpstreamHost = "localhost"
	}
	for _, dir := range []string{opts.AvailableDir, opts.EnabledDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ingress: create %s: %w", dir, err)
		}
	}
	s := &Service{opts: opts, logger: logger.With("component", "ingress")}
	switch {
	case strings.TrimSpace(opts.ReloadContainer) != "":
		r, err := newDockerReloader(signaler, opts.ReloadContainer)
		if err != nil {
			return nil, err
		}
		s.reloader = r
	case strings.TrimSpace(opts.ReloadCommand) != "":
		r, err := newCommandReloader(opts.ReloadCommand)
		if err != nil {
			return nil, err
		}
		s.reloader = r
	}
	return s, nil
}

// Hostname returns the public host for subdomain.
func (s *Service) Hostname(subdomain string) string {
	return subdomain + "." + s.opts.BaseDomain
}

func (s *Service) ruleName(subdomain string) string {
	return s.Hostname(subdomain) + ".conf"
}

// Enable writes the rule for subdomain, activates it and reloads nginx.
// Re-enabling with a different port replaces the rule.
func (s *Service) Enable(ctx context.Context, subdomain string, port int) error {
	if !validSubdomain.MatchString(subdomain) {
		return fmt.Errorf("ingress: invalid subdomain %q", subdomain)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("ingress: invalid port %d", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.ruleName(subdomain)
	path := filepath.Join(s.opts.AvailableDir, name)
	if err := writeFileAtomic(path, []byte(renderRule(s.Hostname(subdomain), s.opts.UpstreamHost, port))); err != nil {
		return fmt.Errorf("ingress: write rule: %w", err)
	}
	if s.opts.EnabledDir != "" {
		link := filepath.Join(s.opts.EnabledDir, name)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ingress: replace link: %w", err)
		}
		if err := os.Symlink(path, link); err != nil {
			return fmt.Errorf("ingress: activate rule: %w", err)
		}
	}
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.logger.Info("routing rule enabled", "host", s.Hostname(subdomain), "port", port)
	return nil
}

// Disable deactivates and removes the rule for subdomain. Missing files are not an error.
func (s *Service) Disable(ctx context.Context, subdomain string) error {
	if !validSubdomain.MatchString(subdomain) {
		return fmt.Errorf("ingress: invalid subdomain %q", subdomain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.ruleName(subdomain)
	removed := false
	paths := []string{filepath.Join(s.opts.AvailableDir, name)}
	if s.opts.EnabledDir != "" {
		paths = append([]string{filepath.Join(s.opts.EnabledDir, name)}, paths...)
	}
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = true
		case os.IsNotExist(err):
		default:
			return fmt.Errorf("ingress: remove %s: %w", p, err)
		}
	}
	if !removed {
		return nil
	}
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.logger.Info("routing rule disabled", "host", s.Hostname(subdomain))
	return nil
}

func (s *Service) reload(ctx context.Context) error {
	if s.reloader == nil {
		return nil
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("ingress: reload nginx: %w", err)
	}
	return nil
}

func renderRule(host, upstream string, port int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server {\n")
	fmt.Fprintf(&b, "    listen 80;\n")
	fmt.Fprintf(&b, "    server_name %s;\n\n", host)
	fmt.Fprintf(&b, "    location / {\n")
	fmt.Fprintf(&b, "        proxy_pass http://%s:%d;\n", upstream, port)
	b.WriteString("        proxy_http_version 1.1;\n")
	b.WriteString("        proxy_set_header Upgrade $http_upgrade;\n")
	b.WriteString("        proxy_set_header Connection 'upgrade';\n")
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString("        proxy_cache_bypass $http_upgrade;\n")
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return b.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rule-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
