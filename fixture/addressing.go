package fixture

import (
	"github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/conf"
)

// nodePortStride is the distance between the port ranges of consecutive nodes.
const nodePortStride = 1000

// PortsFor returns the ports of node index (1-based) when node 1's service port is basePort.
func PortsFor(basePort, index int) cluster.Ports {
	return cluster.PortsFrom(basePort + nodePortStride*(index-1))
}

// SeedFor returns the mesh seed advertised to non-seed nodes: the seed's address and its heartbeat port.
func SeedFor(seedAddr string, basePort int) conf.Seed {
	return conf.Seed{Addr: seedAddr, Port: PortsFor(basePort, 1).Heartbeat}
}
