package local

import (
	"context"
	"fmt"
	"sync"

	clusteriface "github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/internal/proc"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const DefaultServerBin = "asd"

// Cluster is a Cluster that runs each database node as a process directly on the host.
// Nodes are not sandboxed: they share the host's network and filesystem, so every node is reachable at 127.0.0.1
// and sees the work directory at its host path.
// The main benefit is that no container runtime is needed, which suits developer machines with a server binary installed.
type Cluster struct {
	Log       *zap.SugaredLogger
	ServerBin string
	// Args builds the server argument vector. Defaults to cluster.ServerArgs with the host config path.
	Args func(spec clusteriface.NodeSpec) []string
	Env  []string

	mut   sync.Mutex
	nodes []*Node
}

type Option func(c *Cluster)

func WithServerBin(bin string) Option {
	return func(c *Cluster) {
		c.ServerBin = bin
	}
}

func WithArgs(f func(spec clusteriface.NodeSpec) []string) Option {
	return func(c *Cluster) {
		c.Args = f
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Cluster) {
		c.Log = l.Named("local_cluster")
	}
}

func NewCluster(opts ...Option) *Cluster {
	c := &Cluster{
		Log:       zap.NewNop().Sugar(),
		ServerBin: DefaultServerBin,
		Args: func(spec clusteriface.NodeSpec) []string {
			return clusteriface.ServerArgs(spec.ConfigPath, spec.Instance())
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cluster) WorkspaceDir(hostDir string) string {
	return hostDir
}

func (c *Cluster) NewNode(ctx context.Context, spec clusteriface.NodeSpec) (clusteriface.Node, error) {
	args := c.Args(spec)
	c.Log.Debugw("starting server process", "Index", spec.Index, "Bin", c.ServerBin, "Args", args)

	// the server outlives the launch call, so it must not be tied to ctx
	p, err := proc.Start(context.Background(), proc.StartRequest{
		Command: c.ServerBin,
		Args:    args,
		Env:     c.Env,
		WD:      spec.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("starting node %d: %w", spec.Index, err)
	}

	node := &Node{Index: spec.Index, Ports: spec.Ports, proc: p}

	c.mut.Lock()
	c.nodes = append(c.nodes, node)
	c.mut.Unlock()

	return node, nil
}

// Cleanup kills every server process started by this cluster that is still running.
func (c *Cluster) Cleanup(ctx context.Context) error {
	c.mut.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mut.Unlock()

	var result *multierror.Error
	for _, node := range nodes {
		err := node.Stop(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %s: %w", node, err))
		}
	}
	return result.ErrorOrNil()
}
