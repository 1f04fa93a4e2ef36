//go:build linux

// Package childproc spawns and supervises the single wireproxy child: argv
// construction, process-group isolation, a non-blocking liveness probe, and
// an escalating SIGTERM-then-SIGKILL termination sequence.
//
// The child is placed in its own process group (Setpgid) so a single
// group-directed signal (syscall.Kill on the negative pid) reaches it and
// every descendant it forks. Spawn/Terminate are idempotent, guarded so
// each runs its effect at most once. There is no stdin/readiness handshake
// (wireproxy has none); stdout/stderr are redirected directly to the
// caller-supplied session log handle rather than scanned into a buffer.
package childproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrSpawn wraps any fork/exec or descriptor failure during Spawn.
var ErrSpawn = errors.New("childproc: spawn failed")

const (
	ReasonGraceful   = "Graceful termination"
	ReasonForced     = "Force killed"
	ReasonNotRunning = "Not running"

	terminatePollInterval = 100 * time.Millisecond
	terminateGracePeriod  = 5 * time.Second
)

// ChildProcess wraps one spawned wireproxy instance. A ChildProcess is
// single-use: once terminated it must be discarded, not respawned.
type ChildProcess struct {
	log *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool

	pid        atomic.Int64
	terminated atomic.Bool
}

// New returns an unspawned ChildProcess.
func New(log *zap.Logger) *ChildProcess {
	return &ChildProcess{log: log.Named("childproc")}
}

// Spawn forks and execs binaryPath with argv ["<argv0>", "-c", configPath],
// redirecting stdout/stderr to output and placing the child in its own
// process group so the whole subtree can be signalled atomically.
//
// Pre: Spawn has not already succeeded on this ChildProcess. Post: PID() is
// set and the child's process group id equals its pid.
func (c *ChildProcess) Spawn(binaryPath, argv0, configPath string, output *os.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("%w: already spawned", ErrSpawn)
	}

	cmd := exec.Command(binaryPath, "-c", configPath)
	cmd.Args[0] = argv0
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	c.cmd = cmd
	c.started = true
	c.pid.Store(int64(cmd.Process.Pid))

	c.log.Info("child spawned", zap.Int("pid", cmd.Process.Pid), zap.String("binary", binaryPath))
	return nil
}

// PID returns the spawned child's OS process id, which also identifies its
// process group. Zero before Spawn succeeds.
func (c *ChildProcess) PID() int {
	return int(c.pid.Load())
}

// IsAlive performs a non-blocking (WNOHANG) waitpid. It returns true iff
// the child has not yet reported termination. The first call that observes
// termination reaps the zombie; every call after that returns false
// without touching the kernel.
func (c *ChildProcess) IsAlive() bool {
	if c.terminated.Load() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated.Load() || !c.started {
		return false
	}

	pid := int(c.pid.Load())
	var status syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
	if err != nil {
		// ECHILD or similar: the kernel no longer knows this pid.
		c.terminated.Store(true)
		return false
	}
	if wpid == 0 {
		return true
	}

	c.log.Info("child reaped", zap.Int("pid", pid), zap.Int("exit_status", status.ExitStatus()))
	c.terminated.Store(true)
	return false
}

// StillTracking reports whether this ChildProcess still believes its pid is
// live, without performing a waitpid call itself. It exists so collaborators
// (the watchdog) can validate a pid before signalling it without racing the
// dispatcher's own reaping.
func (c *ChildProcess) StillTracking() bool {
	return c.started && !c.terminated.Load()
}

// Terminate runs the escalation protocol: SIGTERM to the process group,
// poll every 100ms for up to 5s, then SIGKILL and a blocking reap.
//
// Idempotent: once the child has been observed dead (by Terminate or by
// IsAlive), further calls return ReasonNotRunning without signalling
// anything.
func (c *ChildProcess) Terminate() string {
	if !c.started {
		return ReasonNotRunning
	}
	if !c.IsAlive() {
		return ReasonNotRunning
	}

	pid := int(c.pid.Load())
	log := c.log.With(zap.Int("pid", pid))

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		log.Warn("SIGTERM failed", zap.Error(err))
	} else {
		log.Info("SIGTERM sent to process group")
	}

	deadline := time.Now().Add(terminateGracePeriod)
	for time.Now().Before(deadline) {
		if !c.IsAlive() {
			log.Info("child exited gracefully")
			return ReasonGraceful
		}
		time.Sleep(terminatePollInterval)
	}

	if !c.IsAlive() {
		log.Info("child exited gracefully during final check")
		return ReasonGraceful
	}

	log.Warn("grace period expired; sending SIGKILL")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		log.Error("SIGKILL failed", zap.Error(err))
	}

	c.mu.Lock()
	var status syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &status, 0, nil)
	c.terminated.Store(true)
	c.mu.Unlock()

	log.Info("child force killed")
	return ReasonForced
}
