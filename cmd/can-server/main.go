package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/canio"
	"github.com/eddyem/canserver/internal/datafile"
	"github.com/eddyem/canserver/internal/hub"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/proto"
	"github.com/eddyem/canserver/internal/queue"
	"github.com/eddyem/canserver/internal/registry"
	"github.com/eddyem/canserver/internal/server"
	"github.com/eddyem/canserver/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	l, logCleanup, err := setupLogger(cfg.logFormat, cfg.verbose, cfg.logfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logCleanup()
	if cfg.checkFile != "" {
		bad, err := datafile.Check(cfg.checkFile)
		if err != nil {
			l.Error("datafile_check_failed", "error", err)
			return 1
		}
		if bad > 0 {
			return 1
		}
		return 0
	}
	releasePid, err := acquirePidfile(cfg.pidfile)
	if err != nil {
		l.Error("pidfile_error", "path", cfg.pidfile, "error", err)
		return 1
	}
	defer releasePid()
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	signal.Ignore(syscall.SIGHUP, syscall.SIGTSTP)

	outbound := queue.New[can.Frame]()
	broadcast := queue.New[string]()
	env := &worker.Env{Outbound: outbound, Broadcast: broadcast}
	reg := registry.New(worker.Roles(env))
	defer reg.Shutdown()

	sup := canio.New(canio.Config{
		Device: cfg.device,
		VID:    cfg.vid,
		PID:    cfg.pid,
		Baud:   cfg.baud,
		Speed:  cfg.speed,
	}, reg, outbound, l)

	router := &proto.Router{Registry: reg, Broadcast: broadcast, Speed: sup}
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	srv := server.NewServer(
		server.WithListenAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.port))),
		server.WithHub(h),
		server.WithRouter(router),
		server.WithBroadcast(broadcast),
		server.WithMaxClients(cfg.maxClients),
		server.WithEcho(cfg.echo),
		server.WithLogger(l),
	)

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, cfg.port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", cfg.port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	code := supervise(ctx, cancel, l, map[string]task{
		"tcp_server":     srv.Serve,
		"can_supervisor": sup.Run,
	})
	wg.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return code
}

type task func(context.Context) error

// supervise keeps the long-lived tasks alive: a task exiting with a
// transient error is restarted, a fatal one (bind failure, adapter
// gone past the reopen window) stops the process.
func supervise(ctx context.Context, cancel context.CancelFunc, l *slog.Logger, tasks map[string]task) int {
	type exit struct {
		name string
		err  error
	}
	results := make(chan exit, len(tasks))
	start := func(name string, run task) {
		go func() { results <- exit{name, run(ctx)} }()
	}
	for name, run := range tasks {
		start(name, run)
	}
	for {
		select {
		case <-ctx.Done():
			l.Info("shutdown_signal")
			return 0
		case r := <-results:
			if ctx.Err() != nil {
				l.Info("shutdown_signal")
				return 0
			}
			if fatalErr(r.err) {
				l.Error("fatal_task_error", "task", r.name, "error", r.err)
				cancel()
				return 1
			}
			l.Warn("task_restart", "task", r.name, "error", r.err)
			time.Sleep(time.Millisecond)
			start(r.name, tasks[r.name])
		}
	}
}

func fatalErr(err error) bool {
	return errors.Is(err, canio.ErrDisconnect) || errors.Is(err, server.ErrListen)
}
