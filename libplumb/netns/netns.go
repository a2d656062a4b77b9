// Package netns manages the lifecycle of per-container network namespaces.
//
// A namespace is materialized as a bind mount of the creating thread's
// /proc/<pid>/task/<tid>/ns/net onto <runDir>/<container-id>, the same
// mechanism `ip netns add` uses. The namespace therefore outlives the
// process that created it and can be reopened later by path.
package netns

import (
	"context"
	"errors"
	"time"
)

var (
	ErrExist    = errors.New("network namespace already exists")
	ErrNotExist = errors.New("network namespace does not exist")
)

// Namespace is an active network namespace bound to a container.
type Namespace struct {
	ContainerID string    `json:"container_id"`
	Path        string    `json:"path"`
	Created     time.Time `json:"created"`
}

// Manager creates and destroys network namespaces keyed by container id.
type Manager interface {
	// Create makes a new network namespace for the container and binds it
	// under the manager's run directory. It fails with ErrExist if one is
	// already active for the id.
	Create(ctx context.Context, containerID string) (*Namespace, error)

	// Get returns the active namespace for the container, or ErrNotExist.
	Get(containerID string) (*Namespace, error)

	// Destroy unbinds and removes the container's namespace. A missing
	// namespace is treated as success so crash-recovery retries are safe.
	Destroy(ctx context.Context, containerID string) error
}
