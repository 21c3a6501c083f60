package local

import (
	"context"
	"testing"

	clusteriface "github.com/guseggert/clusterfixture/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepCluster() *Cluster {
	return NewCluster(
		WithServerBin("sleep"),
		WithArgs(func(spec clusteriface.NodeSpec) []string { return []string{"30"} }),
	)
}

func TestNewNodeAndStop(t *testing.T) {
	ctx := context.Background()
	c := sleepCluster()

	n, err := c.NewNode(ctx, clusteriface.NodeSpec{Index: 1, Ports: clusteriface.PortsFrom(3000), WorkDir: t.TempDir()})
	require.NoError(t, err)

	node := n.(*Node)
	assert.True(t, node.Running())

	addr, err := node.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr)

	require.NoError(t, node.Stop(ctx))
	assert.False(t, node.Running())

	// stopping twice is fine
	require.NoError(t, node.Stop(ctx))
}

func TestCleanupStopsAllNodes(t *testing.T) {
	ctx := context.Background()
	c := sleepCluster()
	dir := t.TempDir()

	var nodes []*Node
	for i := 1; i <= 3; i++ {
		n, err := c.NewNode(ctx, clusteriface.NodeSpec{Index: i, Ports: clusteriface.PortsFrom(3000 + 1000*(i-1)), WorkDir: dir})
		require.NoError(t, err)
		nodes = append(nodes, n.(*Node))
	}

	require.NoError(t, c.Cleanup(ctx))
	for _, n := range nodes {
		assert.False(t, n.Running(), n.String())
	}
	require.NoError(t, c.Cleanup(ctx))
}

func TestNewNodeMissingBinary(t *testing.T) {
	c := NewCluster(WithServerBin("/nonexistent/asd"))
	_, err := c.NewNode(context.Background(), clusteriface.NodeSpec{Index: 1, WorkDir: t.TempDir()})
	require.ErrorContains(t, err, "starting node 1")
}

func TestDefaultArgs(t *testing.T) {
	c := NewCluster()
	args := c.Args(clusteriface.NodeSpec{Index: 2, ConfigPath: "/w/tmp-00002.conf"})
	assert.Equal(t, []string{"--foreground", "--config-file", "/w/tmp-00002.conf", "--instance", "1"}, args)
	assert.Equal(t, "/w", c.WorkspaceDir("/w"))
}
