package dispatcher

import "os"

// ChildProcess is the subset of *childproc.ChildProcess the dispatcher
// depends on. Abstracted to an interface, grounded on bassosimone-nop's
// SLogger/Config style of interface-per-collaborator, so handler logic can
// be exercised against a fake process without forking a real binary.
type ChildProcess interface {
	Spawn(binaryPath, argv0, configPath string, output *os.File) error
	PID() int
	IsAlive() bool
	StillTracking() bool
	Terminate() string
}

// SessionLog is the subset of *sessionlog.SessionLog the dispatcher
// depends on.
type SessionLog interface {
	Create(configName, childVersion string) (string, error)
	Handle() (*os.File, error)
	CurrentPath() string
	Finalize(reason string) error
}

// NetworkWatchdog is the subset of *watchdog.Watchdog the dispatcher
// depends on.
type NetworkWatchdog interface {
	Start()
	Stop()
	Join()
	DropFlag() bool
}

// NewChildProcessFunc constructs a fresh, unspawned ChildProcess. A new
// instance is required per session: ChildProcess is single-use by design.
type NewChildProcessFunc func() ChildProcess

// NewWatchdogFunc arms a fresh NetworkWatchdog over the log at path,
// targeting the process group pid, consulting valid before signalling.
type NewWatchdogFunc func(path string, pid int, valid func() bool) NetworkWatchdog
