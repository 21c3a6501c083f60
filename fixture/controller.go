package fixture

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/conf"
	"github.com/guseggert/clusterfixture/db"
	"github.com/guseggert/clusterfixture/internal/files"
	"github.com/guseggert/clusterfixture/internal/net"
	"github.com/guseggert/clusterfixture/workspace"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller owns the cluster fixture: its nodes, workspace, client connection and the artifacts tests create.
// All methods are goroutine-safe. Operations are serialized, so tests sharing a Controller must not run in parallel
// if they depend on the cluster's contents.
type Controller struct {
	cfg       Config
	log       *zap.SugaredLogger
	cluster   cluster.Cluster
	dialer    db.Dialer
	workspace *workspace.Workspace
	template  string
	portCheck func(ports ...int) error

	mut      sync.Mutex
	state    State
	nodes    []cluster.Node
	seedAddr string
	conn     db.Database
	udfs     map[string]struct{}
	indexes  map[string]struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

type Option func(c *Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.log = l.Named(loggerName)
	}
}

// WithDialer sets how the controller connects to the cluster. Defaults to the Aerospike client.
func WithDialer(d db.Dialer) Option {
	return func(c *Controller) {
		c.dialer = d
	}
}

// WithTemplate uses the given config template text instead of reading Config.Template.
func WithTemplate(tmpl string) Option {
	return func(c *Controller) {
		c.template = tmpl
	}
}

// WithPortCheck replaces the check run against each node's ports before launch when Config.CheckPorts is set.
func WithPortCheck(f func(ports ...int) error) Option {
	return func(c *Controller) {
		c.portCheck = f
	}
}

// New creates a stopped controller that launches nodes on the given cluster.
func New(cl cluster.Cluster, cfg Config, opts ...Option) (*Controller, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Controller{
		cfg:       cfg,
		log:       defaultLogger,
		cluster:   cl,
		dialer:    &db.AerospikeDialer{},
		workspace: workspace.New(cfg.Root, cfg.Nodes),
		portCheck: net.CheckTCPPortsFree,
		udfs:      map[string]struct{}{},
		indexes:   map[string]struct{}{},
		shutdown:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func MustNew(cl cluster.Cluster, cfg Config, opts ...Option) *Controller {
	return Must2(New(cl, cfg, opts...))
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) Workspace() *workspace.Workspace { return c.workspace }

func (c *Controller) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Nodes returns the running nodes in index order, or nil when stopped.
func (c *Controller) Nodes() []cluster.Node {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]cluster.Node(nil), c.nodes...)
}

// SeedAddress returns the address node 1 advertises to the other nodes.
func (c *Controller) SeedAddress() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.seedAddr
}

// DB returns the client connection, or nil when the cluster is not running.
func (c *Controller) DB() db.Database {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.conn
}

// Addr is the address clients and the benchmark connect to.
func (c *Controller) Addr() db.Target {
	return c.cfg.Target()
}

// Start makes sure the cluster is running. If it is already running, it is reset instead.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, true)
}

// StartNoReset makes sure the cluster is running, leaving an already running cluster untouched.
func (c *Controller) StartNoReset(ctx context.Context) error {
	return c.start(ctx, false)
}

func (c *Controller) MustStart(ctx context.Context) {
	Must(c.Start(ctx))
}

func (c *Controller) start(ctx context.Context, reset bool) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.isShutdown() {
		return ErrShutdown
	}
	if c.state == Running {
		if reset {
			return c.resetLocked(ctx)
		}
		return nil
	}

	ctx, cancel := c.withShutdown(ctx)
	defer cancel()

	err := c.provision(ctx)
	if err != nil {
		return c.rollback(err)
	}
	c.state = Running
	c.log.Infow("cluster running", "Nodes", len(c.nodes), "Addr", c.cfg.Target().String())
	return nil
}

func (c *Controller) loadTemplate() (string, error) {
	if c.template != "" {
		return c.template, nil
	}
	path, err := files.Resolve(c.cfg.Template)
	if err != nil {
		return "", fmt.Errorf("finding config template: %w", err)
	}
	tmpl, err := conf.LoadTemplate(path)
	if err != nil {
		return "", err
	}
	c.template = tmpl
	return tmpl, nil
}

// provision brings up the nodes one at a time, since every node after the first needs node 1's address,
// and then connects the client.
func (c *Controller) provision(ctx context.Context) error {
	tmpl, err := c.loadTemplate()
	if err != nil {
		return err
	}

	err = c.cluster.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("removing leftover nodes: %w", err)
	}

	c.log.Infow("creating workspace", "Dir", c.workspace.Dir())
	err = c.workspace.Init()
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	gen := &conf.Generator{Template: tmpl, Paths: c.workspace}
	nodeDir := c.cluster.WorkspaceDir(c.workspace.Dir())

	for index := 1; index <= c.cfg.Nodes; index++ {
		ports := PortsFor(c.cfg.BasePort, index)

		if c.cfg.CheckPorts {
			err := c.portCheck(ports.All()...)
			if err != nil {
				return &NodeError{Index: index, Op: "checking ports", Err: err}
			}
		}

		params := conf.Params{
			StateDir:  filepath.Join(nodeDir, workspace.StateDirName(index)),
			UDFDir:    filepath.Join(nodeDir, workspace.UDFDirName(index)),
			Ports:     ports,
			Namespace: c.cfg.Namespace,
		}
		if index > 1 {
			seed := SeedFor(c.seedAddr, c.cfg.BasePort)
			params.Seed = &seed
		}

		configPath, err := gen.Generate(params)
		if err != nil {
			return &NodeError{Index: index, Op: "generating config", Err: err}
		}

		c.log.Infow("starting node", "Index", index, "Ports", ports.String(), "Config", configPath)
		node, err := c.cluster.NewNode(ctx, cluster.NodeSpec{
			Index:      index,
			Ports:      ports,
			ConfigPath: configPath,
			WorkDir:    c.workspace.Dir(),
		})
		if err != nil {
			return &NodeError{Index: index, Op: "launching", Err: err}
		}
		c.nodes = append(c.nodes, node)

		if index == 1 {
			addr, err := node.Address(ctx)
			if err != nil {
				return &NodeError{Index: index, Op: "resolving address", Err: err}
			}
			c.seedAddr = addr
			c.log.Debugw("resolved seed address", "Addr", addr)
		}
	}

	c.log.Infow("connecting client", "Target", c.cfg.Target().String())
	conn, err := db.Connect(ctx, c.dialer, c.cfg.Target(),
		db.WithAttempts(c.cfg.ConnectAttempts),
		db.WithInterval(c.cfg.ConnectInterval),
		db.WithLogger(c.log),
	)
	if err != nil {
		return err
	}
	c.conn = conn
	c.log.Info("client connected")
	return nil
}

// rollback undoes a partial provision: launched nodes are stopped in reverse order and the workspace is removed.
// The returned error is cause, joined with any rollback failures.
func (c *Controller) rollback(cause error) error {
	c.log.Warnw("start failed, rolling back", "Error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()

	var errs []error
	for i := len(c.nodes) - 1; i >= 0; i-- {
		err := c.nodes[i].Stop(ctx)
		if err != nil {
			errs = append(errs, &NodeError{Index: i + 1, Op: "rolling back", Err: err})
		}
	}
	c.nodes = nil
	c.seedAddr = ""

	err := c.workspace.Teardown()
	if err != nil {
		errs = append(errs, fmt.Errorf("removing workspace: %w", err))
	}

	if len(errs) == 0 {
		return cause
	}
	return multierror.Append(cause, errs...)
}

// Stop closes the client connection, stops every node and removes the workspace.
// It is a no-op when the cluster is not running. Every teardown step is attempted, and all failures are
// returned together.
func (c *Controller) Stop(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) MustStop(ctx context.Context) {
	Must(c.Stop(ctx))
}

// StopSilent is Stop without log output.
func (c *Controller) StopSilent(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	log := c.log
	c.log = zap.NewNop().Sugar()
	defer func() { c.log = log }()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if c.state == Stopped {
		return nil
	}

	var result *multierror.Error

	c.log.Info("disconnecting client")
	if c.conn != nil {
		err := c.conn.Close()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("closing client: %w", err))
		}
		c.conn = nil
	}

	c.log.Infow("stopping nodes", "Nodes", len(c.nodes))
	for i, node := range c.nodes {
		err := node.Stop(ctx)
		if err != nil {
			result = multierror.Append(result, &NodeError{Index: i + 1, Op: "stopping", Err: err})
		}
	}
	c.nodes = nil
	c.seedAddr = ""

	err := c.cluster.Cleanup(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("cleaning up cluster: %w", err))
	}

	c.log.Infow("removing workspace", "Dir", c.workspace.Dir())
	err = c.workspace.Teardown()
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("removing workspace: %w", err))
	}

	c.udfs = map[string]struct{}{}
	c.indexes = map[string]struct{}{}
	c.state = Stopped

	return result.ErrorOrNil()
}

// Shutdown aborts any Start in progress and stops the cluster. Later Starts fail with ErrShutdown.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
	return c.Stop(ctx)
}

func (c *Controller) isShutdown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// withShutdown derives a context that is also canceled by Shutdown.
func (c *Controller) withShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
