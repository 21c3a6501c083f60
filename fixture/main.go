package fixture

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Runner runs a test binary's tests. *testing.M implements it.
type Runner interface {
	Run() int
}

// Main runs the tests with the cluster guarded against interrupts, then stops the cluster without log output.
// It returns the exit code for os.Exit, which is non-zero if the tests passed but teardown failed:
//
//	func TestMain(m *testing.M) {
//		os.Exit(fixture.Main(m, ctl))
//	}
func Main(m Runner, c *Controller, opts ...HandlerOption) int {
	return runMain(m, c, os.Stderr, opts...)
}

func runMain(m Runner, c *Controller, errOut io.Writer, opts ...HandlerOption) int {
	opts = append([]HandlerOption{WithStopTimeout(c.cfg.StopTimeout)}, opts...)
	h := NewInterruptHandler(c.Shutdown, opts...)
	h.Install()
	defer h.Close()

	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	err := c.StopSilent(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "tearing down cluster: %s\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}
