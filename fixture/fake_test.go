package fixture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTemplate = `service { work-directory ${state_directory} }
mod-lua { user-path ${udf_directory} }
network {
	service { port ${service_port} }
	fabric { port ${fabric_port} }
	info { port ${info_port} }
	heartbeat { port ${heartbeat_port}
		${peer_connection}
	}
}
namespace ${namespace} { }
`

type fakeNode struct {
	spec    cluster.NodeSpec
	addr    string
	stopErr error

	mut     sync.Mutex
	stopped int
}

func (n *fakeNode) Address(ctx context.Context) (string, error) { return n.addr, nil }

func (n *fakeNode) Stop(ctx context.Context) error {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.stopped++
	return n.stopErr
}

func (n *fakeNode) Stops() int {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.stopped
}

func (n *fakeNode) String() string { return fmt.Sprintf("fake node %d", n.spec.Index) }

type fakeCluster struct {
	mut      sync.Mutex
	launched []*fakeNode
	configs  map[int]string
	cleanups int

	// failAt makes launching the node with this index fail.
	failAt int
	// block, if set, makes NewNode wait on it or on ctx. entered receives a value each time NewNode starts waiting.
	block    chan struct{}
	entered  chan struct{}
	stopErrs map[int]error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{configs: map[int]string{}, stopErrs: map[int]error{}}
}

func (c *fakeCluster) NewNode(ctx context.Context, spec cluster.NodeSpec) (cluster.Node, error) {
	if c.block != nil {
		if c.entered != nil {
			c.entered <- struct{}{}
		}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if spec.Index == c.failAt {
		return nil, fmt.Errorf("container for node %d failed to start", spec.Index)
	}
	b, err := os.ReadFile(spec.ConfigPath)
	if err != nil {
		return nil, err
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	c.configs[spec.Index] = string(b)
	n := &fakeNode{
		spec:    spec,
		addr:    fmt.Sprintf("172.17.0.%d", spec.Index+1),
		stopErr: c.stopErrs[spec.Index],
	}
	c.launched = append(c.launched, n)
	return n, nil
}

// blockLaunches makes every NewNode wait until ctx is canceled, and returns a channel that receives once
// a launch is waiting.
func (c *fakeCluster) blockLaunches() <-chan struct{} {
	c.block = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	return c.entered
}

func (c *fakeCluster) WorkspaceDir(hostDir string) string { return "/opt/work" }

func (c *fakeCluster) Cleanup(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.cleanups++
	return nil
}

func (c *fakeCluster) nodes() []*fakeNode {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]*fakeNode(nil), c.launched...)
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.ConnectAttempts = 3
	cfg.ConnectInterval = time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	cfg.CheckPorts = false
	return cfg
}

type harness struct {
	ctl     *Controller
	cluster *fakeCluster
	db      *dbtest.Fake
	dialer  *dbtest.CountingDialer
}

func newHarness(t *testing.T, mutate ...func(cfg *Config)) *harness {
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{cluster: newFakeCluster(), db: dbtest.NewFake()}
	h.dialer = h.db.Dialer(0)
	ctl, err := New(h.cluster, cfg,
		WithTemplate(testTemplate),
		WithDialer(h.dialer),
		WithLogger(zap.NewNop().Sugar()),
	)
	require.NoError(t, err)
	h.ctl = ctl
	t.Cleanup(func() { require.NoError(t, ctl.Stop(context.Background())) })
	return h
}
