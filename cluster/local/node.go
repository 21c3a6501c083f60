package local

import (
	"context"
	"fmt"

	clusteriface "github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/internal/proc"
)

const loopback = "127.0.0.1"

type Node struct {
	Index int
	Ports clusteriface.Ports
	proc  *proc.Process
}

func (n *Node) Address(ctx context.Context) (string, error) {
	return loopback, nil
}

func (n *Node) Pid() int {
	return n.proc.Pid()
}

// Running reports whether the server process has not exited yet.
func (n *Node) Running() bool {
	select {
	case <-n.proc.Exited():
		return false
	default:
		return true
	}
}

func (n *Node) Stop(ctx context.Context) error {
	return n.proc.Kill(ctx)
}

func (n *Node) String() string {
	return fmt.Sprintf("local node index=%d pid=%d", n.Index, n.proc.Pid())
}
