package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

type result struct {
	code   int
	timeMS int64
	err    error
}

// Process is a started subprocess.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	result result
}

// Start starts the requested command. The process is killed if ctx is canceled before it exits.
func Start(ctx context.Context, req StartRequest) (*Process, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.Dir = req.WD

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}

	// wait on the process to finish and record the result
	go func() {
		exitCode := 0
		var resultErr error

		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		p.result = result{code: exitCode, timeMS: timeMS, err: resultErr}
		close(p.done)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// Wait waits for the process to exit. A process killed by a signal reports exit code -1.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return &Result{ExitCode: p.result.code, TimeMS: p.result.timeMS}, p.result.err
	}
}

// Kill kills the process and waits for it to exit.
func (p *Process) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", p.Pid(), err)
	}
	_, err = p.Wait(ctx)
	return err
}

// Run starts the command and waits for it to exit.
func Run(ctx context.Context, req StartRequest) (*Result, error) {
	p, err := Start(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for process to exit: %w", err)
	}
	return res, nil
}
