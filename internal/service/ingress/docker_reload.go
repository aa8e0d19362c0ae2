package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PragyanCoder/orbitec/internal/docker"
)

// Signaler delivers a signal to a container.
type Signaler interface {
	SignalContainer(ctx context.Context, ref, signal string) error
}

// dockerReloader triggers nginx reloads by sending SIGHUP to its container.
type dockerReloader struct {
	signaler  Signaler
	container string
}

func newDockerReloader(signaler Signaler, container string) (*dockerReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("container name required")
	}
	if signaler == nil {
		return nil, fmt.Errorf("docker client required to signal %s", container)
	}
	return &dockerReloader{signaler: signaler, container: container}, nil
}

func (r *dockerReloader) Reload(ctx context.Context) error {
	if err := r.signaler.SignalContainer(ctx, r.container, "HUP"); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("nginx container %s not found", r.container)
		}
		return err
	}
	return nil
}
