// Package deploytest provides in-memory stand-ins for the container engine
// and source host used by pipeline and controller tests.
package deploytest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/PragyanCoder/orbitec/internal/docker"
)

// Container is the fake runtime's view of one container.
type Container struct {
	ID      string
	Name    string
	Image   string
	Env     []string
	Port    int
	Labels  map[string]string
	Running bool
}

// Runtime records containers and images in memory.
type Runtime struct {
	mu         sync.Mutex
	next       int
	containers map[string]*Container
	images     map[string]bool

	// BuildOutput is streamed line by line from BuildImage.
	BuildOutput []string
	BuildErr    error
	LaunchErr   error
	StartErr    error
}

// NewRuntime returns an empty fake runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		images:     make(map[string]bool),
	}
}

func (r *Runtime) BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error {
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return fmt.Errorf("dockerfile missing: %w", err)
	}
	r.mu.Lock()
	output, buildErr := append([]string(nil), r.BuildOutput...), r.BuildErr
	r.mu.Unlock()
	for _, line := range output {
		if onOutput != nil {
			onOutput(line)
		}
	}
	if buildErr != nil {
		return buildErr
	}
	r.mu.Lock()
	r.images[tag] = true
	r.mu.Unlock()
	return ctx.Err()
}

func (r *Runtime) CreateAndStart(_ context.Context, spec docker.LaunchSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LaunchErr != nil {
		return "", r.LaunchErr
	}
	if !r.images[spec.Image] {
		return "", fmt.Errorf("image %s not built", spec.Image)
	}
	for _, c := range r.containers {
		if c.Name == spec.Name {
			return "", fmt.Errorf("container name %s already in use", spec.Name)
		}
		if c.Running && c.Port == spec.Port {
			return "", fmt.Errorf("port %d already bound", spec.Port)
		}
	}
	r.next++
	id := fmt.Sprintf("container%04d", r.next)
	r.containers[id] = &Container{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		Env:     append([]string(nil), spec.Env...),
		Port:    spec.Port,
		Labels:  spec.Labels,
		Running: true,
	}
	return id, nil
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	c := r.lookupLocked(id)
	if c == nil {
		return fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	c.Running = true
	return nil
}

func (r *Runtime) StopContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookupLocked(id); c != nil {
		c.Running = false
	}
	return nil
}

func (r *Runtime) RemoveContainer(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookupLocked(ref); c != nil {
		delete(r.containers, c.ID)
	}
	return nil
}

func (r *Runtime) RemoveImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.images, ref)
	return nil
}

// Forget drops a container as if it was removed outside the orchestrator.
func (r *Runtime) Forget(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookupLocked(ref); c != nil {
		delete(r.containers, c.ID)
	}
}

// Container returns a copy of the container with the given id or name.
func (r *Runtime) Container(ref string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookupLocked(ref)
	if c == nil {
		return Container{}, false
	}
	return *c, true
}

// Containers returns the number of containers that exist.
func (r *Runtime) Containers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// HasImage reports whether tag was built and not removed.
func (r *Runtime) HasImage(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[tag]
}

func (r *Runtime) lookupLocked(ref string) *Container {
	if c, ok := r.containers[ref]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.Name == ref {
			return c
		}
	}
	return nil
}

// Fetcher writes a fixed file set into the destination.
type Fetcher struct {
	mu    sync.Mutex
	calls int

	Files map[string]string
	Err   error
	// Hold, when set, blocks Fetch until it is closed or the context ends.
	Hold chan struct{}
}

func (f *Fetcher) Fetch(ctx context.Context, _, _, dest string) error {
	f.mu.Lock()
	f.calls++
	hold, fetchErr := f.Hold, f.Err
	files := make(map[string]string, len(f.Files))
	for k, v := range f.Files {
		files[k] = v
	}
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fetchErr != nil {
		return fetchErr
	}
	for name, content := range files {
		path := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns how many times Fetch ran.
func (f *Fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// NodeApp is a minimal repository with a Node manifest.
func NodeApp() map[string]string {
	return map[string]string{
		"package.json": `{"name":"demo","scripts":{"start":"node index.js"}}`,
		"index.js":     "require('http').createServer((q, s) => s.end('ok')).listen(process.env.PORT)\n",
	}
}
