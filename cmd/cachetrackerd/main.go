// Command cachetrackerd runs the Shared-Memory Region Server and Cache
// Coordinator as a single node-local daemon (spec §2: "Server" process).
// Every executor process on the node dials this daemon's Unix domain socket
// (or TCP endpoint) as a Cache Tracker Client.
//
// © 2025 compsssqaaas authors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	cachetracker "github.com/lezzidan/compsssqaaas/pkg"

	"github.com/prometheus/client_golang/prometheus"
)

var version = "dev"

func main() {
	var (
		configPath     = flag.String("config", "", "path to a YAML config file (spec recognized keys)")
		hostCapacity   = flag.Int64("size", 0, "host shared-memory budget in bytes")
		deviceCapacity = flag.Int64("gpu-cache-size", 0, "device-array bookkeeping budget in bytes")
		logDir         = flag.String("log-dir", "", "directory for profiler snapshots")
		profiler       = flag.Bool("cache-profiler", false, "enable cache profiler bookkeeping")
		network        = flag.String("network", cachetracker.DefaultNetwork, `"unix" or "tcp"`)
		address        = flag.String("address", cachetracker.DefaultAddress, "listen address")
		debugAddr      = flag.String("debug-addr", "", "HTTP diagnostics listen address (empty disables)")
		metricsOn      = flag.Bool("metrics", false, "enable Prometheus metrics, served on debug-addr/metrics")
		showVersion    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fatal(err)
	}
	defer logger.Sync()

	opts := []cachetracker.Option{
		cachetracker.WithLogger(logger),
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fatal(fmt.Errorf("read config: %w", err))
		}
		fileOpts, err := cachetracker.LoadConfigFile(data)
		if err != nil {
			fatal(fmt.Errorf("parse config: %w", err))
		}
		opts = append(opts, fileOpts...)
	}

	// Flags override the config file, mirroring the teacher's
	// flags-then-file-then-defaults layering convention.
	if *hostCapacity > 0 {
		opts = append(opts, cachetracker.WithHostCapacity(*hostCapacity))
	}
	if *deviceCapacity > 0 {
		opts = append(opts, cachetracker.WithDeviceCapacity(*deviceCapacity))
	}
	if *logDir != "" {
		opts = append(opts, cachetracker.WithLogDir(*logDir))
	}
	if *profiler {
		opts = append(opts, cachetracker.WithProfiler(true))
	}
	endpointSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "network" || f.Name == "address" {
			endpointSet = true
		}
	})
	if endpointSet {
		opts = append(opts, cachetracker.WithEndpoint(*network, *address))
	}
	if *debugAddr != "" {
		opts = append(opts, cachetracker.WithDebugAddr(*debugAddr))
	}
	if *metricsOn {
		opts = append(opts, cachetracker.WithMetrics(prometheus.NewRegistry()))
	}

	daemon, err := cachetracker.NewDaemon(opts...)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down", zap.Duration("grace", shutdownGrace))
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		fatal(err)
	}
}

const shutdownGrace = 2 * time.Second

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cachetrackerd:", err)
	os.Exit(1)
}
