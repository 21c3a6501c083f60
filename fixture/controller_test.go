package fixture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/db"
	fixturenet "github.com/guseggert/clusterfixture/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAddressingPolicy(t *testing.T) {
	assert.Equal(t, cluster.Ports{Service: 3000, Fabric: 3001, Heartbeat: 3002, Info: 3003}, PortsFor(3000, 1))
	assert.Equal(t, cluster.Ports{Service: 4000, Fabric: 4001, Heartbeat: 4002, Info: 4003}, PortsFor(3000, 2))
	assert.Equal(t, cluster.Ports{Service: 5100, Fabric: 5101, Heartbeat: 5102, Info: 5103}, PortsFor(3100, 3))

	seed := SeedFor("172.17.0.2", 3000)
	assert.Equal(t, "172.17.0.2", seed.Addr)
	assert.Equal(t, 3002, seed.Port)
}

func TestStartProvisionsCluster(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(ctx))
	assert.Equal(t, Running, h.ctl.State())

	nodes := h.cluster.nodes()
	require.Len(t, nodes, 2)
	assert.Len(t, h.ctl.Nodes(), 2)

	assert.Equal(t, 1, nodes[0].spec.Index)
	assert.Equal(t, PortsFor(3000, 1), nodes[0].spec.Ports)
	assert.Equal(t, 2, nodes[1].spec.Index)
	assert.Equal(t, PortsFor(3000, 2), nodes[1].spec.Ports)
	assert.Equal(t, h.ctl.Workspace().Dir(), nodes[0].spec.WorkDir)

	// node 1 has no peer, node 2 joins through node 1's heartbeat port
	assert.Contains(t, h.cluster.configs[1], "# no peer connection")
	assert.Contains(t, h.cluster.configs[1], "service { port 3000 }")
	assert.Contains(t, h.cluster.configs[1], "work-directory /opt/work/state-1")
	assert.Contains(t, h.cluster.configs[2], "mesh-seed-address-port 172.17.0.2 3002")
	assert.Contains(t, h.cluster.configs[2], "service { port 4000 }")
	assert.Contains(t, h.cluster.configs[2], "user-path /opt/work/udf-2")
	assert.Equal(t, "172.17.0.2", h.ctl.SeedAddress())

	assert.Equal(t, []db.Target{{Host: "127.0.0.1", Port: 3000}}, h.dialer.Targets)
	assert.Same(t, h.db, h.ctl.DB())

	for i := 1; i <= 2; i++ {
		assert.DirExists(t, h.ctl.Workspace().StateDir(i))
		assert.DirExists(t, h.ctl.Workspace().UDFDir(i))
	}
}

func TestStartWhenRunningResets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(ctx))
	h.db.Put("test", "test", 10)

	require.NoError(t, h.ctl.StartNoReset(ctx))
	n, err := h.ctl.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, h.ctl.Start(ctx))
	n, err = h.ctl.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// nothing was provisioned again
	assert.Len(t, h.cluster.nodes(), 2)
	assert.Equal(t, 1, h.dialer.Calls)
}

func TestStopTearsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.ctl.Start(ctx))
	workDir := h.ctl.Workspace().Dir()
	h.ctl.TrackUDF("m")

	require.NoError(t, h.ctl.Stop(ctx))

	assert.Equal(t, Stopped, h.ctl.State())
	assert.Nil(t, h.ctl.DB())
	assert.Empty(t, h.ctl.Nodes())
	assert.Empty(t, h.ctl.TrackedUDFs())
	assert.True(t, h.db.IsClosed())
	assert.NoDirExists(t, workDir)
	for _, n := range h.cluster.nodes() {
		assert.Equal(t, 1, n.Stops())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// stopping a cluster that never started
	require.NoError(t, h.ctl.Stop(ctx))

	require.NoError(t, h.ctl.Start(ctx))
	require.NoError(t, h.ctl.Stop(ctx))
	cleanups := h.cluster.cleanups

	require.NoError(t, h.ctl.Stop(ctx))
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Equal(t, cleanups, h.cluster.cleanups)
	for _, n := range h.cluster.nodes() {
		assert.Equal(t, 1, n.Stops())
	}
}

func TestConcurrentStopTearsDownOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ctl.Start(ctx))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		group.Go(func() error { return h.ctl.Stop(groupCtx) })
	}
	require.NoError(t, group.Wait())

	for _, n := range h.cluster.nodes() {
		assert.Equal(t, 1, n.Stops())
	}
}

func TestStopAggregatesNodeErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cfg *Config) { cfg.Nodes = 3 })
	h.cluster.stopErrs[1] = errors.New("container stuck")
	h.cluster.stopErrs[2] = errors.New("daemon unreachable")

	require.NoError(t, h.ctl.Start(ctx))
	workDir := h.ctl.Workspace().Dir()

	err := h.ctl.Stop(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "node 1: stopping: container stuck")
	assert.ErrorContains(t, err, "node 2: stopping: daemon unreachable")

	var nodeErr *NodeError
	require.True(t, errors.As(err, &nodeErr))

	// every node was attempted and the rest of teardown still ran
	for _, n := range h.cluster.nodes() {
		assert.Equal(t, 1, n.Stops())
	}
	assert.Equal(t, Stopped, h.ctl.State())
	assert.NoDirExists(t, workDir)
}

func TestStartLaunchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cfg *Config) { cfg.Nodes = 3 })
	h.cluster.failAt = 3

	err := h.ctl.Start(ctx)

	var nodeErr *NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, 3, nodeErr.Index)
	assert.Equal(t, "launching", nodeErr.Op)

	assert.Equal(t, Stopped, h.ctl.State())
	assert.Empty(t, h.ctl.Nodes())
	assert.NoDirExists(t, h.ctl.Workspace().Dir())
	nodes := h.cluster.nodes()
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, 1, n.Stops())
	}
	assert.Equal(t, 0, h.dialer.Calls)
}

func TestStartRollbackReportsRollbackErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cluster.failAt = 2
	h.cluster.stopErrs[1] = errors.New("cannot remove")

	err := h.ctl.Start(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "container for node 2 failed to start")
	assert.ErrorContains(t, err, "node 1: rolling back: cannot remove")
	assert.Equal(t, Stopped, h.ctl.State())
}

func TestStartConnectFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dialer.Failures = 100

	err := h.ctl.Start(ctx)

	var connErr *db.ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Nil(t, h.ctl.DB())
	for _, n := range h.cluster.nodes() {
		assert.Equal(t, 1, n.Stops())
	}

	// a later start provisions from scratch
	h.dialer.Failures = 0
	require.NoError(t, h.ctl.Start(ctx))
	assert.Equal(t, Running, h.ctl.State())
	assert.Len(t, h.cluster.nodes(), 4)
}

func TestStartPortCheckFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cfg *Config) { cfg.CheckPorts = true })
	h.ctl.portCheck = func(ports ...int) error {
		if ports[0] == 4000 {
			return fmt.Errorf("port %d is not available", ports[0])
		}
		return nil
	}

	err := h.ctl.Start(ctx)
	var nodeErr *NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, 2, nodeErr.Index)
	assert.Equal(t, "checking ports", nodeErr.Op)
	assert.Len(t, h.cluster.nodes(), 1)
}

func TestStartDetectsBoundPort(t *testing.T) {
	ctx := context.Background()
	port, err := fixturenet.GetEphemeralTCPPort()
	require.NoError(t, err)

	// node 2's fabric port is taken
	base := port - 1001
	if base < 1 {
		t.Skipf("ephemeral port %d too low for a two-node layout", port)
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	defer l.Close()

	h := newHarness(t, func(cfg *Config) {
		cfg.BasePort = base
		cfg.CheckPorts = true
	})
	h.ctl.portCheck = fixturenet.CheckTCPPortsFree

	err = h.ctl.Start(ctx)
	var nodeErr *NodeError
	require.True(t, errors.As(err, &nodeErr), "err: %v", err)
	assert.Equal(t, 2, nodeErr.Index)
	assert.Equal(t, "checking ports", nodeErr.Op)
	assert.ErrorContains(t, err, fmt.Sprintf("port %d is not available", port))
	assert.Equal(t, Stopped, h.ctl.State())
}

func TestStartBadTemplate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ctl.template = "port ${service_port} ${mystery}"

	err := h.ctl.Start(ctx)
	require.ErrorContains(t, err, "node 1: generating config")
	require.ErrorContains(t, err, "mystery")
	assert.Empty(t, h.cluster.nodes())
	assert.NoDirExists(t, h.ctl.Workspace().Dir())
}

func TestStartLoadsTemplateFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "aerospike.conf")
	require.NoError(t, os.WriteFile(tmplPath, []byte(testTemplate), 0644))

	h := newHarness(t, func(cfg *Config) { cfg.Template = tmplPath })
	h.ctl.template = ""

	require.NoError(t, h.ctl.Start(ctx))
	assert.Contains(t, h.cluster.configs[2], "mesh-seed-address-port")
}

func TestShutdownAbortsStart(t *testing.T) {
	h := newHarness(t)
	entered := h.cluster.blockLaunches()

	startErr := make(chan error, 1)
	go func() { startErr <- h.ctl.Start(context.Background()) }()

	<-entered
	require.NoError(t, h.ctl.Shutdown(context.Background()))

	select {
	case err := <-startErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("start was not aborted by shutdown")
	}

	assert.Equal(t, Stopped, h.ctl.State())
	assert.NoDirExists(t, h.ctl.Workspace().Dir())
	require.ErrorIs(t, h.ctl.Start(context.Background()), ErrShutdown)
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nodes = 0
	_, err := New(newFakeCluster(), cfg)
	require.ErrorContains(t, err, "nodes must be at least 1")

	cfg = testConfig(t)
	cfg.BasePort = 64000
	_, err = New(newFakeCluster(), cfg)
	require.ErrorContains(t, err, "outside 1-65535")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "running", Running.String())
}
