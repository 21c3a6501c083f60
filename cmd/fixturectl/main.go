package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/guseggert/clusterfixture/cluster"
	"github.com/guseggert/clusterfixture/cluster/docker"
	"github.com/guseggert/clusterfixture/cluster/local"
	"github.com/guseggert/clusterfixture/fixture"
	"github.com/guseggert/clusterfixture/workspace"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "fixturectl",
		Usage: "manage a local multi-node database cluster for black-box testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file. Keys can also be set with CLUSTERFIXTURE_* environment variables.",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Where nodes run. One of [docker,local].",
				Value: "docker",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "The server image for the docker backend.",
				Value: docker.DefaultImage,
			},
			&cli.StringFlag{
				Name:  "container-prefix",
				Usage: "Name prefix of the containers created by the docker backend.",
				Value: docker.DefaultContainerPrefix,
			},
			&cli.StringFlag{
				Name:  "server-bin",
				Usage: "The server binary for the local backend.",
				Value: local.DefaultServerBin,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "start the cluster and keep it running until interrupted",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "detach",
						Usage: "Leave the cluster running and exit once it is up. Use 'down' to remove it.",
					},
				},
				Action: up,
			},
			{
				Name:   "down",
				Usage:  "remove the cluster's nodes and work directory, including ones left by earlier runs",
				Action: down,
			},
			{
				Name:      "bench",
				Usage:     "start a fresh cluster, run the benchmark tool against it and tear the cluster down",
				ArgsUsage: "[benchmark args...]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "expect-failure",
						Usage: "Fail unless the benchmark exits non-zero.",
					},
				},
				Action: bench,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if ctx.Bool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func newCluster(ctx *cli.Context, log *zap.SugaredLogger) (cluster.Cluster, *docker.Cluster, error) {
	switch backend := ctx.String("backend"); backend {
	case "docker":
		c, err := docker.NewCluster()
		if err != nil {
			return nil, nil, err
		}
		c = c.WithLogger(log).
			WithImage(ctx.String("image")).
			WithContainerPrefix(ctx.String("container-prefix"))
		return c, c, nil
	case "local":
		return local.NewCluster(
			local.WithLogger(log),
			local.WithServerBin(ctx.String("server-bin")),
		), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

func newController(ctx *cli.Context) (*fixture.Controller, *zap.SugaredLogger, error) {
	log, err := newLogger(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := fixture.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	cl, _, err := newCluster(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	ctl, err := fixture.New(cl, cfg, fixture.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return ctl, log, nil
}

func up(ctx *cli.Context) error {
	ctl, log, err := newController(ctx)
	if err != nil {
		return err
	}

	if ctx.Bool("detach") {
		err := ctl.StartNoReset(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, ctl.Addr().String())
		return nil
	}

	stopped := make(chan error, 1)
	h := fixture.NewInterruptHandler(
		func(stopCtx context.Context) error {
			err := ctl.Shutdown(stopCtx)
			stopped <- err
			return err
		},
		fixture.WithHandlerLogger(log),
		fixture.WithStopTimeout(ctl.Config().StopTimeout),
		fixture.WithoutReraise(),
	)
	h.Install()
	defer h.Close()

	err = ctl.StartNoReset(ctx.Context)
	if err != nil {
		return err
	}
	log.Infow("cluster is up, interrupt to stop it", "Addr", ctl.Addr().String(), "Seed", ctl.SeedAddress())

	return <-stopped
}

func down(ctx *cli.Context) error {
	log, err := newLogger(ctx)
	if err != nil {
		return err
	}
	cfg, err := fixture.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	_, dockerCluster, err := newCluster(ctx, log)
	if err != nil {
		return err
	}
	if dockerCluster != nil {
		err := dockerCluster.Cleanup(ctx.Context)
		if err != nil {
			return err
		}
	}

	ws := workspace.New(cfg.Root, cfg.Nodes)
	log.Infow("removing workspace", "Dir", ws.Dir())
	return ws.Teardown()
}

func bench(ctx *cli.Context) error {
	ctl, log, err := newController(ctx)
	if err != nil {
		return err
	}

	h := fixture.NewInterruptHandler(ctl.Shutdown,
		fixture.WithHandlerLogger(log),
		fixture.WithStopTimeout(ctl.Config().StopTimeout),
	)
	h.Install()
	defer h.Close()

	res, err := ctl.RunBenchmark(ctx.Context, fixture.BenchmarkRequest{
		Args:          ctx.Args().Slice(),
		ExpectFailure: ctx.Bool("expect-failure"),
		Stdout:        ctx.App.Writer,
		Stderr:        ctx.App.ErrWriter,
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), ctl.Config().StopTimeout)
	defer cancel()
	stopErr := ctl.Stop(stopCtx)

	if err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("tearing down cluster: %w", stopErr)
	}
	log.Infow("benchmark passed", "ExitCode", res.ExitCode, "Duration", res.Duration)
	return nil
}
