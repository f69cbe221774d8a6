// Command colod is the COLO high-availability daemon: it pairs with a
// peer instance over a group-messaging transport, watches a QEMU
// hypervisor over its QMP control socket, and drives the primary/
// secondary failover state machine described in package colo.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lukasstraub2/colod/internal/colo"
	"github.com/lukasstraub2/colod/internal/daemon"
	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
	godaemon "github.com/sevlyar/go-daemon"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type cliFlags struct {
	daemonize  bool
	syslog     bool
	trace      bool
	instance   string
	node       string
	baseDir    string
	qmpPath    string
	yankPath   string
	mgmtPath   string
	peerAddr   string
	bindAddr   string
	bindPort   int
	primary    bool
	monitorIf  string
	timeoutLow time.Duration
	timeoutHi  time.Duration
	watchdog   time.Duration
	yellowT1   time.Duration
	yellowT2   time.Duration
	graceTimer time.Duration
}

func parseFlags() *cliFlags {
	f := &cliFlags{}
	flag.BoolVar(&f.daemonize, "daemonize", false, "fork into the background")
	flag.BoolVar(&f.syslog, "syslog", false, "also log to syslog")
	flag.BoolVar(&f.trace, "trace", false, "log at debug level (no separate trace.log is written)")
	flag.StringVar(&f.instance, "instance_name", "colod", "group name this instance and its peer share")
	flag.StringVar(&f.node, "node_name", "", "this node's name (defaults to hostname)")
	flag.StringVar(&f.baseDir, "base_directory", "/var/run/colod", "directory for the pid file, sockets and logs")
	flag.StringVar(&f.qmpPath, "qmp_path", "", "path to the hypervisor's QMP unix socket")
	flag.StringVar(&f.yankPath, "qmp_yank_path", "", "path to the hypervisor's yank unix socket")
	flag.StringVar(&f.mgmtPath, "mgmt_path", "", "path for colod's own management unix socket")
	flag.StringVar(&f.peerAddr, "peer", "", "peer's group-messaging address (host:port)")
	flag.StringVar(&f.bindAddr, "bind_addr", "0.0.0.0", "group-messaging bind address")
	flag.IntVar(&f.bindPort, "bind_port", 7946, "group-messaging bind port")
	flag.BoolVar(&f.primary, "primary", false, "start in the primary role")
	flag.StringVar(&f.monitorIf, "monitor_interface", "", "network interface to watch for link-fault yellow/unyellow")
	flag.DurationVar(&f.timeoutLow, "timeout_low", 60*time.Second, "QMP command timeout outside stop/resume windows")
	flag.DurationVar(&f.timeoutHi, "timeout_high", 300*time.Second, "QMP command timeout across a stop/resume window")
	flag.DurationVar(&f.watchdog, "watchdog_interval", 10*time.Second, "health-probe interval; 0 disables the watchdog")
	flag.DurationVar(&f.yellowT1, "yellow_t1", colo.DefaultYellowT1, "link-fault debounce: announce delay")
	flag.DurationVar(&f.yellowT2, "yellow_t2", colo.DefaultYellowT2, "link-fault debounce: commit delay")
	flag.DurationVar(&f.graceTimer, "grace_timer", 10*time.Second, "grace period after migration completes, before the yellow check arms")
	flag.Parse()

	if f.node == "" {
		if hostname, err := os.Hostname(); err == nil {
			f.node = hostname
		} else {
			f.node = "colod"
		}
	}
	if f.qmpPath == "" {
		f.qmpPath = filepath.Join(f.baseDir, "qmp.sock")
	}
	if f.yankPath == "" {
		f.yankPath = filepath.Join(f.baseDir, "qmp-yank.sock")
	}
	if f.mgmtPath == "" {
		f.mgmtPath = filepath.Join(f.baseDir, "colod.sock")
	}
	return f
}

func main() {
	f := parseFlags()

	if f.daemonize {
		ctx := &godaemon.Context{
			PidFileName: filepath.Join(f.baseDir, "colod.pid"),
			PidFilePerm: 0644,
			WorkDir:     f.baseDir,
			Umask:       027,
		}
		child, err := ctx.Reborn()
		if err != nil {
			fmt.Fprintf(os.Stderr, "colod: daemonize: %v\n", err)
			os.Exit(1)
		}
		if child != nil {
			return
		}
		defer ctx.Release()
	}

	if err := os.MkdirAll(f.baseDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "colod: creating base directory: %v\n", err)
		os.Exit(1)
	}

	if !f.daemonize {
		pidPath := filepath.Join(f.baseDir, "colod.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "colod: writing pid file: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(pidPath)
	}

	var hook logrus.Hook
	if f.syslog {
		var err error
		hook, err = logging.NewSyslogHook("colod")
		if err != nil {
			fmt.Fprintf(os.Stderr, "colod: syslog unavailable, logging locally only: %v\n", err)
		}
	}
	log := logging.NewLogger(filepath.Join(f.baseDir, "colod.log"), hook)
	if f.trace {
		log.ToggleDebug(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, f, log); err != nil {
		log.Errorf("colod: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *cliFlags, log logging.Logger) error {
	qmpConn, err := dialRetry(ctx, f.qmpPath)
	if err != nil {
		return fmt.Errorf("colod: connecting to %s: %w", f.qmpPath, err)
	}
	defer qmpConn.Close()

	var yankConn net.Conn
	if f.yankPath != "" {
		yankConn, err = dialRetry(ctx, f.yankPath)
		if err != nil {
			return fmt.Errorf("colod: connecting to %s: %w", f.yankPath, err)
		}
		defer yankConn.Close()
	}

	ch := qmp.NewChannel(qmpConn, yankConn, f.timeoutLow, log)
	defer ch.Close()

	var peers []string
	if f.peerAddr != "" {
		peers = []string{f.peerAddr}
	}
	cpg, err := group.NewCPG(group.Config{
		InstanceName: f.instance,
		BindAddr:     f.bindAddr,
		BindPort:     f.bindPort,
		Peers:        peers,
	}, log)
	if err != nil {
		return fmt.Errorf("colod: joining group %q: %w", f.instance, err)
	}
	tr := group.NewTransport(cpg, log)
	defer tr.Close()

	queue := colo.NewEventQueue(32)

	orch := colo.NewOrchestrator(colo.Config{
		InstanceName: f.instance,
		NodeName:     f.node,
		Primary:      f.primary,
		TimeoutLow:   f.timeoutLow,
		TimeoutHigh:  f.timeoutHi,
		GraceTimer:   f.graceTimer,
	}, queue, ch, tr, log)

	colo.NewWatchdog(ctx, ch, queue, f.watchdog, orch.ExpectedFlags, log)

	if f.monitorIf != "" {
		monitor, err := colo.NewLinkMonitor(ctx, f.monitorIf, log)
		if err != nil {
			return fmt.Errorf("colod: watching interface %q: %w", f.monitorIf, err)
		}
		debouncer := colo.NewYellowDebouncer(ctx, monitor.Events(), queue, tr, f.yellowT1, f.yellowT2, log)
		orch.AttachYellowDebouncer(debouncer)
	}

	srv := daemon.NewServer(f.mgmtPath, orch, ch, f.timeoutLow, log)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return orch.Run(ctx)
	})
	eg.Go(func() error {
		return srv.Serve(ctx)
	})

	return eg.Wait()
}

// dialRetry dials a unix socket, retrying while the hypervisor hasn't
// created it yet.
func dialRetry(ctx context.Context, path string) (net.Conn, error) {
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
