package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/korehq/kored"
)

func main() {
	cfg, err := kored.ResolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kored: configuration error: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.WorkerCommand) == 0 {
		fmt.Fprintf(os.Stderr, "kored: configuration error: %s must name the worker command\n", kored.EnvWorkerCommand)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := kored.NewMetrics(registry)

	supervisor, err := kored.NewSupervisor(cfg, kored.SupervisorOptions{Metrics: metrics})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kored: %v\n", err)
		os.Exit(1)
	}
	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Metrics: metrics})
	proxy, err := kored.NewGateProxy(cfg, gate, kored.GateProxyOptions{Metrics: metrics})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kored: %v\n", err)
		os.Exit(1)
	}
	ops := kored.NewOpsServer(cfg, supervisor, gate, registry, nil)

	supErr := make(chan error, 1)
	go func() {
		supErr <- supervisor.Start(ctx)
	}()
	go gate.Run(ctx)

	errs := make(chan error, 2)
	go func() {
		errs <- ops.Run(ctx)
	}()
	go func() {
		errs <- proxy.Listen(ctx)
	}()

	// First hard failure takes the whole process down, the supervisor
	// always gets to finish its graceful shutdown first
	exitCode := 0
	select {
	case err := <-errs:
		if err != nil {
			fmt.Fprintf(os.Stderr, "kored: %v\n", err)
			exitCode = 1
		}
		stop()
		if err := <-supErr; err != nil {
			fmt.Fprintf(os.Stderr, "kored: %v\n", err)
			exitCode = 1
		}
	case err := <-supErr:
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kored: %v\n", err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
