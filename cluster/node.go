package cluster

import (
	"context"
	"fmt"
	"strconv"
)

// Ports are the four consecutive ports a database node listens on.
type Ports struct {
	Service   int
	Fabric    int
	Heartbeat int
	Info      int
}

// PortsFrom returns the four consecutive ports starting at base.
func PortsFrom(base int) Ports {
	return Ports{
		Service:   base,
		Fabric:    base + 1,
		Heartbeat: base + 2,
		Info:      base + 3,
	}
}

// All returns the ports in service, fabric, heartbeat, info order.
func (p Ports) All() []int {
	return []int{p.Service, p.Fabric, p.Heartbeat, p.Info}
}

func (p Ports) String() string {
	return fmt.Sprintf("%d-%d", p.Service, p.Info)
}

// NodeSpec describes a single node launch.
type NodeSpec struct {
	// Index is the 1-based ordinal of the node in the cluster.
	Index int
	Ports Ports
	// ConfigPath is the host path of the rendered server config, which must live under WorkDir.
	ConfigPath string
	// WorkDir is the host work directory, made visible to the node at Cluster.WorkspaceDir(WorkDir).
	WorkDir string
}

// Instance is the zero-based instance number passed to the server.
func (s NodeSpec) Instance() int {
	return s.Index - 1
}

// Node is a running database server, generally a container or a host process.
type Node interface {
	// Address returns the IP address other nodes should use to reach this node.
	Address(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	String() string
}

type Nodes []Node

// ServerArgs returns the server argument vector for a node whose config is visible to it at configPath.
func ServerArgs(configPath string, instance int) []string {
	return []string{
		"--foreground",
		"--config-file", configPath,
		"--instance", strconv.Itoa(instance),
	}
}
