package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/ocrbridge/internal/api"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/sandbox"
	"github.com/mattjoyce/ocrbridge/internal/scheduler"
	"github.com/mattjoyce/ocrbridge/internal/transport"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	listen := fs.String("listen", "", "Override api.listen")
	var wf workerFlags
	fs.StringVar(&wf.langs, "langs", "", "Languages to load, '+'-joined")
	fs.StringVar(&wf.mode, "mode", "", "Engine mode")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := wf.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("ocrbridge starting", "version", currentVersionInfo().Version, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := startRuntime(ctx, cfg, path)
	if err != nil {
		logger.Error("failed to start worker", "error", err)
		return 1
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if cfg.Maintenance.Enabled {
		sched := scheduler.New(cfg.Maintenance.Interval, rt.maintenanceTasks(), rt.hub, log.Get())
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start maintenance", "error", err)
			return 1
		}
		defer sched.Stop()
	}

	var jobs api.JobLister
	if rt.journal != nil {
		jobs = rt.journal
	}
	server := api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
	}, rt.worker, rt.hub, jobs, log.WithComponent("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("API server stopped with error", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("API server failed", "error", err)
			return 1
		}
	}
	logger.Info("ocrbridge stopped")
	return 0
}

// runSandbox is the far end of a subprocess spawn: one sandbox speaking
// envelopes over stdin and stdout.
func runSandbox(args []string) int {
	fs := flag.NewFlagSet("sandbox", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWithWriter(cfg.Service.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := transport.NewStream(os.Stdin, os.Stdout)
	defer func() { _ = conn.Close() }()

	if err := sandbox.Run(ctx, conn, sandbox.Options{Mirrors: cfg.Network.Mirrors}); err != nil {
		log.WithComponent("sandbox").Error("sandbox stopped", "error", err)
		return 1
	}
	return 0
}
