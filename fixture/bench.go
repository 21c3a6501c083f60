package fixture

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/clusterfixture/internal/proc"
)

// BenchmarkRequest describes one run of the benchmark tool against the fixture.
type BenchmarkRequest struct {
	// Args follow the connection arguments the controller supplies.
	Args []string
	// Host and Port override the address the benchmark connects to.
	Host string
	Port int
	// ExpectFailure inverts the exit status check: the run fails if the benchmark exits 0.
	ExpectFailure bool
	// NoReset leaves an already running cluster as it is instead of resetting it first.
	NoReset bool
	Stdout  io.Writer
	Stderr  io.Writer
}

type BenchmarkResult struct {
	ExitCode int
	Duration time.Duration
}

// BenchmarkCommand returns the full benchmark command line for req.
func (c *Controller) BenchmarkCommand(req BenchmarkRequest) []string {
	host := req.Host
	if host == "" {
		host = c.cfg.Host
	}
	port := req.Port
	if port == 0 {
		port = c.cfg.BasePort
	}

	var argv []string
	argv = append(argv, c.cfg.Benchmark.Wrapper...)
	argv = append(argv,
		c.cfg.Benchmark.Bin,
		"-h", net.JoinHostPort(host, strconv.Itoa(port)),
		"-n", c.cfg.Namespace,
		"-s", c.cfg.Set,
	)
	return append(argv, req.Args...)
}

// RunBenchmark makes sure the cluster is running, runs the benchmark tool and checks its exit status against
// req.ExpectFailure.
func (c *Controller) RunBenchmark(ctx context.Context, req BenchmarkRequest) (*BenchmarkResult, error) {
	var err error
	if req.NoReset {
		err = c.StartNoReset(ctx)
	} else {
		err = c.Start(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("starting cluster: %w", err)
	}

	argv := c.BenchmarkCommand(req)
	c.log.Infow("executing benchmark", "Command", strings.Join(argv, " "))

	res, err := proc.Run(ctx, proc.StartRequest{
		Command: argv[0],
		Args:    argv[1:],
		WD:      c.cfg.Benchmark.Dir,
		Stdout:  req.Stdout,
		Stderr:  req.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("running benchmark: %w", err)
	}
	result := &BenchmarkResult{
		ExitCode: res.ExitCode,
		Duration: time.Duration(res.TimeMS) * time.Millisecond,
	}

	if req.ExpectFailure && result.ExitCode == 0 {
		return result, fmt.Errorf("benchmark exited 0, expected failure")
	}
	if !req.ExpectFailure && result.ExitCode != 0 {
		return result, fmt.Errorf("benchmark failed with non-zero exit code %d", result.ExitCode)
	}
	return result, nil
}
