package cluster

import "context"

// Cluster knows how to launch database nodes and how to destroy them.
// The fixture controller decides ports, configs and ordering; a Cluster only executes.
// Cluster implementations are generally not goroutine-safe.
type Cluster interface {
	// NewNode launches one node as described by spec. It returns once the node process or container is running,
	// which is not the same as the database being ready to accept clients.
	NewNode(ctx context.Context, spec NodeSpec) (Node, error)

	// WorkspaceDir returns the path at which a node sees the host work directory hostDir.
	WorkspaceDir(hostDir string) string

	// Cleanup destroys anything the cluster launched that is still around, including leftovers from earlier runs
	// when the implementation can identify them.
	Cleanup(ctx context.Context) error
}
