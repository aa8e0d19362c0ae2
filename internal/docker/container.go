package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// LaunchSpec describes a container to create and start.
type LaunchSpec struct {
	Name   string
	Image  string
	Env    []string
	Port   int
	Labels map[string]string
}

func (s LaunchSpec) configs() (*container.Config, *container.HostConfig, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, nil, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(s.Image) == "" {
		return nil, nil, fmt.Errorf("image name cannot be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return nil, nil, fmt.Errorf("invalid port %d", s.Port)
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(s.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("container port: %w", err)
	}
	cfg := &container.Config{
		Image:        s.Image,
		Env:          s.Env,
		Labels:       s.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(s.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	return cfg, hostCfg, nil
}

// CreateAndStart creates the container described by spec and starts it,
// returning the container id. A container created but not started is removed.
func (c *Client) CreateAndStart(ctx context.Context, spec LaunchSpec) (string, error) {
	cfg, hostCfg, err := spec.configs()
	if err != nil {
		return "", err
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), created.ID)
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("start container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// StopContainer stops a container; missing or already stopped containers are not an error.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	opts := container.StopOptions{}
	if c.stopTimeout > 0 {
		seconds := int(c.stopTimeout.Seconds())
		opts.Timeout = &seconds
	}
	if err := c.inner.ContainerStop(ctx, id, opts); err != nil {
		if isNotFound(err) || isNotModified(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container by id or name if it exists.
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// SignalContainer sends signal to a running container.
func (c *Client) SignalContainer(ctx context.Context, ref, signal string) error {
	if err := c.inner.ContainerKill(ctx, ref, signal); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("signal container %s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("signal container: %w", err)
	}
	return nil
}
