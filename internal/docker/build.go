package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback is invoked with each line of builder output.
type BuildOutputCallback func(string)

// BuildImage builds dir's Dockerfile into tag, streaming output lines to onOutput.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	return decodeBuildStream(resp.Body, onOutput)
}

func decodeBuildStream(r io.Reader, onOutput BuildOutputCallback) error {
	decoder := json.NewDecoder(r)
	var pending strings.Builder
	flush := func() {
		if pending.Len() == 0 {
			return
		}
		if onOutput != nil {
			onOutput(pending.String())
		}
		pending.Reset()
	}
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			flush()
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		// stream chunks are not line aligned; emit whole lines only.
		text := msg.render()
		for text != "" {
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				pending.WriteString(text)
				break
			}
			pending.WriteString(strings.TrimRight(text[:idx], "\r"))
			flush()
			text = text[idx+1:]
		}
		if msg.Stream == "" && pending.Len() > 0 {
			flush()
		}
	}
	flush()
	return nil
}

// RemoveImage deletes an image; a missing image is not an error.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

type imageBuildMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    imageBuildErrorDetail  `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id+":")
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if m.ProgressDetail.Total > 0 {
			parts = append(parts, fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total))
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
