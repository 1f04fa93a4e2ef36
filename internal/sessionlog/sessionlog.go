// Package sessionlog implements the per-session log file: a timestamped
// file carrying a fixed header, the child's inherited stdout/stderr in
// between, and a fixed footer written at teardown.
//
// The shared write handle is deliberately a real *os.File rather than an
// in-memory buffer: the child process inherits it as fd 1/2 across exec,
// which only a real file descriptor can satisfy.
package sessionlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoActiveLog is returned by Handle when no log is currently open.
var ErrNoActiveLog = errors.New("sessionlog: no active log")

const headerTemplate = `================================================================================
WireProxy Server Log
================================================================================
Start Time: %s
Unix Timestamp: %d
Configuration: %s
WireProxy Version: %s
Configuration File: %s

Process Output:
================================================================================
`

const footerTemplate = `
================================================================================
WireProxy Server Teardown
================================================================================
Stop Time: %s
Unix Timestamp: %d
Status: Initiating shutdown
Shutdown Method: %s
Final Status: Process terminated
================================================================================
End of log
================================================================================
`

const timeLayout = "2006-01-02 15:04:05"

// SessionLog owns at most one open log file at a time. All writes it
// performs itself (header, footer) are serialized by mu; writes between
// header and footer are performed by the child process via the inherited
// handle and are not visible to this type.
type SessionLog struct {
	logsDir    string
	configsDir string
	log        *zap.Logger

	mu   sync.Mutex
	file *os.File
	path string
}

// New returns a SessionLog that creates files under logsDir and records
// configsDir in the header's "Configuration File" line.
func New(logsDir, configsDir string, log *zap.Logger) *SessionLog {
	return &SessionLog{
		logsDir:    logsDir,
		configsDir: configsDir,
		log:        log.Named("sessionlog"),
	}
}

// Create allocates a new log file named <logsDir>/<unix_seconds>_<stem>.log,
// writes the header, and returns the path. configName must already be
// normalized (carry the .conf suffix).
func (sl *SessionLog) Create(configName, childVersion string) (string, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	stem := strings.TrimSuffix(configName, ".conf")
	path := filepath.Join(sl.logsDir, fmt.Sprintf("%d_%s.log", now.Unix(), stem))

	if err := os.MkdirAll(sl.logsDir, 0o755); err != nil {
		return "", fmt.Errorf("sessionlog: create logs dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("sessionlog: create log file: %w", err)
	}

	header := fmt.Sprintf(headerTemplate,
		now.Format(timeLayout),
		now.Unix(),
		configName,
		childVersion,
		filepath.Join(sl.configsDir, configName),
	)
	if _, err := f.WriteString(header); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("sessionlog: write header: %w", err)
	}

	sl.file = f
	sl.path = path
	sl.log.Info("session log created", zap.String("path", path), zap.String("config", configName))
	return path, nil
}

// Handle returns the live write handle, suitable for a child's stdout and
// stderr. Fails with ErrNoActiveLog if Create has not been called (or the
// log has since been finalized).
func (sl *SessionLog) Handle() (*os.File, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return nil, ErrNoActiveLog
	}
	return sl.file, nil
}

// CurrentPath returns the path of the active log, or "" when none is open.
func (sl *SessionLog) CurrentPath() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.path
}

// Finalize writes the footer and closes the handle. It is a no-op when no
// log is currently open, so it is safe to call on every cleanup path
// (including ones that never successfully created a log).
func (sl *SessionLog) Finalize(reason string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.file == nil {
		return nil
	}

	now := time.Now()
	footer := fmt.Sprintf(footerTemplate, now.Format(timeLayout), now.Unix(), reason)

	_, writeErr := sl.file.WriteString(footer)
	closeErr := sl.file.Close()

	path := sl.path
	sl.file = nil
	sl.path = ""

	if writeErr != nil {
		sl.log.Error("failed to write log footer", zap.String("path", path), zap.Error(writeErr))
		return fmt.Errorf("sessionlog: write footer: %w", writeErr)
	}
	if closeErr != nil {
		sl.log.Error("failed to close log file", zap.String("path", path), zap.Error(closeErr))
		return fmt.Errorf("sessionlog: close: %w", closeErr)
	}

	sl.log.Info("session log finalized", zap.String("path", path), zap.String("reason", reason))
	return nil
}
