// Command wpsupervisord runs the wireproxy supervisor: it binds the
// loopback control socket, wires the StateMachine/SessionLog/Dispatcher,
// and serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/argusvpn/wpsupervisor/internal/audit"
	"github.com/argusvpn/wpsupervisor/internal/childproc"
	"github.com/argusvpn/wpsupervisor/internal/config"
	"github.com/argusvpn/wpsupervisor/internal/dispatcher"
	"github.com/argusvpn/wpsupervisor/internal/sessionlog"
	"github.com/argusvpn/wpsupervisor/internal/statemachine"
	"github.com/argusvpn/wpsupervisor/internal/tcpserver"
	"github.com/argusvpn/wpsupervisor/internal/watchdog"
)

const (
	implementation = "wpsupervisor"
	version        = "1.0.0"
)

func main() {
	port := flag.Int("port", 23888, "TCP control port, loopback only")
	baseDir := flag.String("base-dir", defaultBaseDir(), "base directory for binary, configs, and logs")
	binaryName := flag.String("binary-name", "wireproxy", "managed child executable name")
	auditRedisAddr := flag.String("audit-redis-addr", "", "optional Redis address for command audit events; empty disables auditing")
	flag.Parse()

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	// Ignore SIGPIPE at the process level so a peer closing its read side
	// mid-write never aborts the supervisor.
	signal.Ignore(syscall.SIGPIPE)

	binaryResolver := config.DefaultBinaryResolver{BaseDir: *baseDir}
	if _, err := binaryResolver.ResolvePath(*binaryName); err != nil {
		log.Fatal("managed binary unavailable", zap.Error(err))
	}

	configsDir := filepath.Join(*baseDir, "wireproxy_confs")
	logsDir := filepath.Join(*baseDir, "wp-server-logs")

	var auditSink audit.Sink = audit.Noop{}
	if *auditRedisAddr != "" {
		sink := audit.NewRedisSink(*auditRedisAddr, 0, log)
		defer sink.Close()
		auditSink = sink
	}

	d := dispatcher.New(dispatcher.Options{
		Log:             log,
		StateMachine:    statemachine.New(),
		SessionLog:      sessionlog.New(logsDir, configsDir, log),
		BinaryResolver:  binaryResolver,
		ConfigLister:    config.DefaultConfigLister{Dir: configsDir},
		NewChildProcess: func() dispatcher.ChildProcess { return childproc.New(log) },
		NewWatchdog: func(path string, pid int, valid func() bool) dispatcher.NetworkWatchdog {
			return watchdog.New(log, path, pid, valid)
		},
		AuditSink:      auditSink,
		BinaryName:     *binaryName,
		Version:        version,
		Implementation: implementation,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	server := tcpserver.New(log, addr, d)

	if err := server.Listen(context.Background()); err != nil {
		log.Fatal("bind failed", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(server.Serve)
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Info("shutdown signal received")
		case <-ctx.Done():
			// Serve failed with a fatal accept error.
		}
		err := server.Close()
		// Drive any live session through the same terminate-and-finalize
		// path spin_down uses. A NotRunning reply here just means nothing
		// was live; that's not a shutdown failure.
		d.Dispatch("spin_down:\n")
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = "ts"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}

func defaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".argus")
	}
	return filepath.Join(os.TempDir(), ".argus")
}
