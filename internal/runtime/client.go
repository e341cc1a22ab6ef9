// Package runtime wraps the container runtime's control API behind a
// typed, mockable client. It is a pure I/O adapter: no session policy
// lives here.
package runtime

import (
	"context"
	"time"
)

// Labels stamped on every container the broker creates. The reconciler
// uses these exclusively to match containers back to sessions.
const (
	LabelManaged   = "visp.managed"
	LabelOwner     = "visp.owner"
	LabelWorkspace = "visp.workspace"
	LabelKind      = "visp.kind"
	LabelCreated   = "visp.created"
)

// ContainerSpec describes a container to create. ServicePort is the
// in-container port of the session service; it is published on an
// ephemeral host port chosen by the runtime.
type ContainerSpec struct {
	Image       string
	Name        string
	Labels      map[string]string
	Env         []string
	ServicePort int
}

// ContainerInfo is the subset of runtime state the broker cares about.
type ContainerInfo struct {
	ID        string
	ShortID   string
	Labels    map[string]string
	Running   bool
	Endpoint  string // host:port of the published service port, if any
	CreatedAt time.Time
}

// ExecResult carries the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is the capability set the broker needs from a container runtime.
// Implementations must be safe for concurrent use; Remove on a container
// that no longer exists is not an error.
type Client interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	Exec(ctx context.Context, id string, cmd []string, workdir string) (ExecResult, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	ListByLabel(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Close() error
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
