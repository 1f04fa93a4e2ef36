package dispatcher

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/argusvpn/wpsupervisor/internal/config"
	"github.com/argusvpn/wpsupervisor/internal/statemachine"
)

func (d *Dispatcher) handleSpinUp(args []string) (any, *CommandError) {
	if len(args) == 0 {
		return nil, newCommandError(CodeMissingArgument, "spin_up requires a config name")
	}
	if d.sm.Current() != statemachine.Idle {
		return nil, newCommandError(CodeAlreadyRunning, "WireProxy is already running")
	}

	normalized := config.NormalizeConfigName(args[0])
	configPath, ok := d.configLister.Resolve(normalized)
	if !ok {
		return nil, newCommandError(CodeConfigNotFound, "Configuration not found: %s", normalized)
	}

	if err := d.sm.TransitionTo(statemachine.Starting); err != nil {
		return nil, newCommandError(CodeTransitionError, "%s", err.Error())
	}

	binaryPath, err := d.binaryResolver.ResolvePath(d.binaryName)
	if err != nil {
		d.abortSpinUp("")
		return nil, newCommandError(CodeSpawnError, "binary unavailable: %s", err.Error())
	}

	logPath, err := d.sessionLog.Create(normalized, d.version)
	if err != nil {
		d.abortSpinUp("")
		return nil, newCommandError(CodeLogIoError, "%s", err.Error())
	}

	handle, err := d.sessionLog.Handle()
	if err != nil {
		d.abortSpinUp("Process died during startup")
		return nil, newCommandError(CodeLogIoError, "%s", err.Error())
	}

	child := d.newChild()
	if err := child.Spawn(binaryPath, d.binaryName, configPath, handle); err != nil {
		d.abortSpinUp("Process died during startup")
		return nil, newCommandError(CodeSpawnError, "%s", err.Error())
	}

	time.Sleep(startupProbeDelay)

	if !child.IsAlive() {
		d.abortSpinUp("Process died during startup")
		return nil, newCommandError(CodeStartupFailed, "process died during startup, see %s", logPath)
	}

	pid := child.PID()
	wd := d.newWatchdog(logPath, pid, child.StillTracking)
	wd.Start()

	sess := &session{
		id:         uuid.New(),
		configName: normalized,
		startedAt:  time.Now(),
		child:      child,
		watchdog:   wd,
	}

	if err := d.sm.TransitionTo(statemachine.Running); err != nil {
		wd.Stop()
		wd.Join()
		_ = child.Terminate()
		d.abortSpinUp("Process died during startup")
		return nil, newCommandError(CodeTransitionError, "%s", err.Error())
	}

	d.session = sess
	d.lastLogPath = logPath
	d.recordAudit(sess.id, "spin_up", true, normalized)

	return map[string]any{
		"status":   "running",
		"config":   normalized,
		"pid":      pid,
		"log_file": logPath,
	}, nil
}

// abortSpinUp unwinds a spin_up attempt: it captures whatever log path is
// currently open (so a later `state` can still report it), finalizes that
// log with reason, drops the in-flight session, and reverts to Idle. Safe
// to call at any point after TransitionTo(Starting), including before a
// log has ever been created (Finalize is then a no-op).
func (d *Dispatcher) abortSpinUp(reason string) {
	if path := d.sessionLog.CurrentPath(); path != "" {
		d.lastLogPath = path
	}
	_ = d.sessionLog.Finalize(reason)
	d.session = nil
	if err := d.sm.TransitionTo(statemachine.Idle); err != nil {
		d.log.Error("failed to revert to Idle after aborted spin_up", zap.Error(err))
	}
}

func (d *Dispatcher) handleSpinDown() (any, *CommandError) {
	if d.sm.Current() != statemachine.Running || d.session == nil {
		return nil, newCommandError(CodeNotRunning, "WireProxy is not running")
	}

	sess := d.session
	previousConfig := sess.configName

	if err := d.sm.TransitionTo(statemachine.Stopping); err != nil {
		d.forceDropToIdle()
		return nil, newCommandError(CodeTransitionError, "%s", err.Error())
	}

	sess.watchdog.Stop()
	sess.watchdog.Join()
	reason := sess.child.Terminate()

	logPath := d.sessionLog.CurrentPath()
	_ = d.sessionLog.Finalize(reason)
	d.lastLogPath = logPath
	d.session = nil

	if err := d.sm.TransitionTo(statemachine.Idle); err != nil {
		d.log.Error("failed to revert to Idle after spin_down", zap.Error(err))
	}

	d.recordAudit(sess.id, "spin_down", true, previousConfig)

	return map[string]any{
		"status":          "stopped",
		"previous_config": previousConfig,
		"log_file":        logPath,
	}, nil
}

// forceDropToIdle is the fail-safe path for a spin_down that errors
// partway through: the dispatcher still drops the session and forces
// Idle, rather than leaving a half-torn-down session stuck in Stopping.
func (d *Dispatcher) forceDropToIdle() {
	if d.session != nil {
		d.session.watchdog.Stop()
		d.session.watchdog.Join()
		_ = d.session.child.Terminate()
	}
	if path := d.sessionLog.CurrentPath(); path != "" {
		d.lastLogPath = path
	}
	_ = d.sessionLog.Finalize("Forced shutdown")
	d.session = nil
	if err := d.sm.TransitionTo(statemachine.Idle); err != nil {
		d.log.Error("failed to force Idle", zap.Error(err))
	}
}

// lazyCleanup is the liveness check run at the top of every `state`
// command: if the tracked child has died since the last check, reap it,
// finalize the log with the appropriate reason, and revert to Idle before
// answering.
func (d *Dispatcher) lazyCleanup() {
	if d.sm.Current() != statemachine.Running || d.session == nil {
		return
	}
	sess := d.session
	if sess.child.IsAlive() {
		return
	}

	reason := "Process died unexpectedly"
	if sess.watchdog.DropFlag() {
		reason = "Network drop detected - auto-terminated"
	}

	sess.watchdog.Stop()
	sess.watchdog.Join()

	logPath := d.sessionLog.CurrentPath()
	_ = d.sessionLog.Finalize(reason)
	d.lastLogPath = logPath
	d.session = nil

	if err := d.sm.TransitionTo(statemachine.Idle); err != nil {
		d.log.Error("failed to revert to Idle during lazy cleanup", zap.Error(err))
	}
}

func (d *Dispatcher) handleState() (any, *CommandError) {
	d.lazyCleanup()

	if d.sm.Current() == statemachine.Running && d.session != nil {
		sess := d.session
		return map[string]any{
			"running":  true,
			"config":   sess.configName,
			"pid":      sess.child.PID(),
			"log_file": d.sessionLog.CurrentPath(),
		}, nil
	}

	var logFile any
	if d.lastLogPath != "" {
		logFile = d.lastLogPath
	}
	return map[string]any{
		"running":  false,
		"config":   nil,
		"pid":      nil,
		"log_file": logFile,
	}, nil
}

func (d *Dispatcher) handleAvailableConfs() (any, *CommandError) {
	names, err := d.configLister.List()
	if err != nil {
		return nil, newCommandError(CodeInternalError, "%s", err.Error())
	}
	return map[string]any{"count": len(names), "configs": names}, nil
}

func (d *Dispatcher) handleWhoami() (any, *CommandError) {
	return map[string]any{
		"version":        d.version,
		"implementation": d.implementation,
	}, nil
}
