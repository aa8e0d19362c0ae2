package docker

import (
	"errors"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

func isNotModified(err error) bool {
	return errdefs.IsNotModified(err)
}
