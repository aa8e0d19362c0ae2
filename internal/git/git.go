package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Fetcher clones repositories with the git CLI.
type Fetcher struct {
	// Timeout bounds a single clone; zero means the caller's context alone.
	Timeout time.Duration
	binary  string
}

// NewFetcher returns a Fetcher using the git binary on PATH.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{Timeout: timeout, binary: "git"}
}

// Fetch shallow-clones branch of repoURL into dest, which must exist and be empty.
func (f *Fetcher) Fetch(ctx context.Context, repoURL, branch, dest string) error {
	args, err := cloneArgs(repoURL, branch, dest)
	if err != nil {
		return err
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	binary := f.binary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("git clone timed out after %s", f.Timeout)
		}
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func cloneArgs(repoURL, branch, dest string) ([]string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return nil, fmt.Errorf("destination cannot be empty")
	}
	if strings.HasPrefix(repoURL, "-") || strings.HasPrefix(branch, "-") {
		return nil, fmt.Errorf("refusing option-like repository or branch")
	}
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	return append(args, "--", repoURL, "."), nil
}
