package docker

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	clusteriface "github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/workspace"
	"github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	DefaultImage           = "aerospike/aerospike-server:6.0.0.8"
	DefaultServerBin       = "/usr/bin/asd"
	DefaultContainerDir    = "/opt/work"
	DefaultContainerPrefix = "aerospike"
	DefaultNetwork         = "bridge"

	managedLabel = "clusterfixture.managed"
	sessionLabel = "clusterfixture.session"
	prefixLabel  = "clusterfixture.prefix"

	stopTimeout = 10 * time.Second
)

// API is the subset of the Docker client used by the cluster.
type API interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, timeout *time.Duration) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

// Cluster is a Cluster that runs each database node as a Docker container on the local daemon.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Cluster struct {
	Log                   *zap.SugaredLogger
	DockerClient          API
	Image                 string
	ServerBin             string
	ContainerDir          string
	ContainerPrefix       string
	Network               string
	Session               string
	CreateContainerConfig func(*CreateContainerConfig) error

	imagePulled bool

	nodesMut sync.Mutex
	Nodes    []*Node
}

func (c *Cluster) WithLogger(l *zap.SugaredLogger) *Cluster {
	c.Log = l.Named("docker_cluster")
	return c
}

func (c *Cluster) WithImage(img string) *Cluster {
	c.Image = img
	return c
}

func (c *Cluster) WithContainerPrefix(p string) *Cluster {
	c.ContainerPrefix = p
	return c
}

func (c *Cluster) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Cluster {
	c.CreateContainerConfig = f
	return c
}

// NewCluster creates a new Docker cluster using the environment's Docker daemon.
func NewCluster() (*Cluster, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return NewClusterWithClient(dockerClient), nil
}

// NewClusterWithClient creates a new Docker cluster using the given Docker API.
func NewClusterWithClient(api API) *Cluster {
	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	c := &Cluster{
		DockerClient:    api,
		Image:           DefaultImage,
		ServerBin:       DefaultServerBin,
		ContainerDir:    DefaultContainerDir,
		ContainerPrefix: DefaultContainerPrefix,
		Network:         DefaultNetwork,
		Session:         uuid.NewString(),
	}
	return c.WithLogger(log.Sugar())
}

func MustNewCluster() *Cluster {
	c, err := NewCluster()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Cluster) ensureImagePulled(ctx context.Context) error {
	if c.imagePulled {
		return nil
	}
	c.Log.Debugw("pulling image", "Image", c.Image)
	out, err := c.DockerClient.ImagePull(ctx, c.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	c.imagePulled = true
	return nil
}

// WorkspaceDir returns the mount point of the work directory inside the containers.
func (c *Cluster) WorkspaceDir(hostDir string) string {
	return c.ContainerDir
}

func (c *Cluster) ContainerName(index int) string {
	return fmt.Sprintf("%s-%d", c.ContainerPrefix, index)
}

// containerPath translates a host path under workDir to its path inside the container.
func (c *Cluster) containerPath(workDir, hostPath string) (string, error) {
	rel, err := workspace.RelPath(workDir, hostPath)
	if err != nil {
		return "", fmt.Errorf("mounting config: %w", err)
	}
	return path.Join(c.ContainerDir, filepath.ToSlash(rel)), nil
}

func portBindings(ports clusteriface.Ports) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports.All() {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}
	return exposed, bindings
}

func (c *Cluster) NewNode(ctx context.Context, spec clusteriface.NodeSpec) (clusteriface.Node, error) {
	err := c.ensureImagePulled(ctx)
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	configPath, err := c.containerPath(spec.WorkDir, spec.ConfigPath)
	if err != nil {
		return nil, err
	}

	containerName := c.ContainerName(spec.Index)
	exposed, bindings := portBindings(spec.Ports)

	ccConfig := CreateContainerConfig{
		ContainerConfig: &container.Config{
			Image:        c.Image,
			Cmd:          append([]string{c.ServerBin}, clusteriface.ServerArgs(configPath, spec.Instance())...),
			ExposedPorts: exposed,
			Tty:          true,
			Labels: map[string]string{
				managedLabel: "true",
				sessionLabel: c.Session,
				prefixLabel:  c.ContainerPrefix,
			},
		},
		HostConfig: &container.HostConfig{
			Binds:        []string{fmt.Sprintf("%s:%s:rw", spec.WorkDir, c.ContainerDir)},
			PortBindings: bindings,
		},
		Name: containerName,
	}

	if c.CreateContainerConfig != nil {
		err := c.CreateContainerConfig(&ccConfig)
		if err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	c.Log.Debugw("creating container", "Name", containerName, "Ports", spec.Ports.String(), "Cmd", ccConfig.ContainerConfig.Cmd)
	createResp, err := c.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}

	node := &Node{
		Index:         spec.Index,
		ContainerName: containerName,
		ContainerID:   createResp.ID,
		Ports:         spec.Ports,
		network:       c.Network,
		dockerClient:  c.DockerClient,
	}

	err = c.DockerClient.ContainerStart(ctx, node.ContainerID, types.ContainerStartOptions{})
	if err != nil {
		// the container exists but never ran, so remove it rather than leaking it
		removeErr := node.remove(context.Background())
		if removeErr != nil {
			c.Log.Warnw("removing unstarted container", "Name", containerName, "Error", removeErr)
		}
		return nil, fmt.Errorf("starting container %q: %w", node.ContainerID, err)
	}

	c.nodesMut.Lock()
	c.Nodes = append(c.Nodes, node)
	c.nodesMut.Unlock()

	return node, nil
}

// Cleanup force-removes every container carrying this cluster's prefix label, including ones left behind by
// earlier sessions. Every container is attempted, and all removal failures are returned together.
func (c *Cluster) Cleanup(ctx context.Context) error {
	c.nodesMut.Lock()
	c.Nodes = nil
	c.nodesMut.Unlock()

	containers, err := c.DockerClient.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", managedLabel+"=true"),
			filters.Arg("label", prefixLabel+"="+c.ContainerPrefix),
		),
	})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	var result *multierror.Error
	for _, ctr := range containers {
		c.Log.Debugw("removing leftover container", "ID", ctr.ID, "Names", ctr.Names)
		err := c.DockerClient.ContainerRemove(ctx, ctr.ID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil && !client.IsErrNotFound(err) {
			result = multierror.Append(result, fmt.Errorf("removing container %q: %w", ctr.ID, err))
		}
	}
	return result.ErrorOrNil()
}
