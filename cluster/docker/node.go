package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	clusteriface "github.com/guseggert/clusterfixture/cluster"
)

type Node struct {
	Index         int
	ContainerName string
	ContainerID   string
	Ports         clusteriface.Ports
	network       string
	dockerClient  API
}

// Address returns the container's IP address on the cluster's Docker network.
func (n *Node) Address(ctx context.Context) (string, error) {
	info, err := n.dockerClient.ContainerInspect(ctx, n.ContainerID)
	if err != nil {
		return "", fmt.Errorf("inspecting container %q: %w", n.ContainerID, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %q has no network settings", n.ContainerID)
	}
	endpoint, ok := info.NetworkSettings.Networks[n.network]
	if !ok || endpoint == nil || endpoint.IPAddress == "" {
		return "", fmt.Errorf("container %q has no IP address on network %q", n.ContainerID, n.network)
	}
	return endpoint.IPAddress, nil
}

// Stop stops and removes the container. A container that is already gone is not an error.
func (n *Node) Stop(ctx context.Context) error {
	timeout := stopTimeout
	err := n.dockerClient.ContainerStop(ctx, n.ContainerID, &timeout)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stopping container %q: %w", n.ContainerID, err)
	}
	return n.remove(ctx)
}

func (n *Node) remove(ctx context.Context) error {
	err := n.dockerClient.ContainerRemove(ctx, n.ContainerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %q: %w", n.ContainerID, err)
	}
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("docker node index=%d container=%s", n.Index, n.ContainerName)
}
