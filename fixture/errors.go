package fixture

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by operations that need a running cluster.
	ErrNotRunning = errors.New("cluster is not running")
	// ErrShutdown is returned by Start after the controller was shut down.
	ErrShutdown = errors.New("controller is shut down")
)

// NodeError attributes a failure to one cluster node.
type NodeError struct {
	Index int
	Op    string
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %d: %s: %s", e.Index, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ArtifactError is returned when a tracked UDF or index could not be removed during a reset.
type ArtifactError struct {
	Kind string
	Name string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("removing %s %q: %s", e.Kind, e.Name, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }
