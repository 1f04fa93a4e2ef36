// Package watchdog implements the passive log-tailing worker that detects
// sustained network failure in a session log and preemptively terminates
// the child that produced it.
//
// The tail loop opens the log once, seeks to EOF, then polls the same
// handle for newly appended lines, scans them for failure patterns, and
// maintains a consecutive-match streak; a one-shot stop/done signal pair (sync.Once-guarded) lets
// callers cancel and join the loop safely from another goroutine.
package watchdog

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	patternUnreachable = "network is unreachable"
	patternBadAddress  = "can't assign requested address"
	errorPrefix        = "ERROR:"

	// Threshold is the number of consecutive matching lines required to
	// trip the watchdog.
	Threshold = 5

	startupDelay = 500 * time.Millisecond
	pollInterval = 100 * time.Millisecond
)

// PIDValidator reports whether a pid is still the one the watchdog was
// armed for, guarding against signalling an unrelated process that has
// since reused the pid.
type PIDValidator func() bool

// Watchdog tails one session log file and watches for sustained network
// failure. It is safe to Stop and Join concurrently with the tail loop.
type Watchdog struct {
	log       *zap.Logger
	path      string
	pid       int
	valid     PIDValidator
	threshold int

	mu       sync.Mutex
	dropFlag bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
}

// New returns an armed-but-not-yet-started Watchdog for the log at path,
// targeting the process group identified by pid. valid is consulted
// immediately before signalling, so a pid that has since been reaped and
// reused is never touched.
func New(log *zap.Logger, path string, pid int, valid PIDValidator) *Watchdog {
	return &Watchdog{
		log:       log.Named("watchdog"),
		path:      path,
		pid:       pid,
		valid:     valid,
		threshold: Threshold,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins tailing in a background goroutine. Start must be called at
// most once.
func (w *Watchdog) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop raises the cancellation flag. The tail loop observes it within one
// poll interval.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Join blocks until the tail loop has exited. Safe to call even if Start
// was never called (it returns immediately in that case).
func (w *Watchdog) Join() {
	if !w.started.Load() {
		return
	}
	<-w.doneCh
}

// DropFlag reports whether the watchdog has observed a sustained network
// failure and triggered auto-termination.
func (w *Watchdog) DropFlag() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropFlag
}

func (w *Watchdog) setDropFlag() {
	w.mu.Lock()
	w.dropFlag = true
	w.mu.Unlock()
}

func (w *Watchdog) run() {
	defer close(w.doneCh)

	select {
	case <-time.After(startupDelay):
	case <-w.stopCh:
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		// Absence of a tail is not fatal: the session may already be
		// torn down, or the log may not exist yet on a very fast path.
		w.log.Debug("watchdog could not open log; exiting quietly", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		w.log.Debug("watchdog could not seek to end; exiting quietly", zap.Error(err))
		return
	}

	reader := newLineReader(f)
	streak := 0

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		line, ok := reader.next()
		if !ok {
			select {
			case <-time.After(pollInterval):
				continue
			case <-w.stopCh:
				return
			}
		}

		switch classify(line) {
		case matchFailure:
			streak++
			if streak >= w.threshold {
				w.trip()
				return
			}
		case matchErrorOther:
			// ERROR:-prefixed non-matching lines do not reset the streak,
			// unlike other non-matching lines. Intentionally asymmetric:
			// left as-is pending product review rather than "corrected".
		default:
			streak = 0
		}
	}
}

func (w *Watchdog) trip() {
	w.setDropFlag()
	w.log.Warn("sustained network failure detected; terminating child", zap.Int("pid", w.pid))

	if w.valid != nil && !w.valid() {
		w.log.Debug("pid no longer tracked; skipping signal", zap.Int("pid", w.pid))
		return
	}
	if err := syscall.Kill(-w.pid, syscall.SIGTERM); err != nil {
		w.log.Warn("failed to signal process group", zap.Int("pid", w.pid), zap.Error(err))
	}
}

type matchKind int

const (
	matchNone matchKind = iota
	matchFailure
	matchErrorOther
)

func classify(line string) matchKind {
	if strings.Contains(line, patternUnreachable) || strings.Contains(line, patternBadAddress) {
		return matchFailure
	}
	if strings.HasPrefix(line, errorPrefix) {
		return matchErrorOther
	}
	return matchNone
}

// lineReader reassembles complete newline-terminated lines out of a growing
// file, carrying a partial trailing fragment across polls. Unlike C stdio,
// os.File has no sticky EOF flag to clear: once more bytes are appended,
// the next Read simply returns them, so "clearing EOF state" is implicit.
type lineReader struct {
	r     *bufio.Reader
	carry string
}

func newLineReader(f *os.File) *lineReader {
	return &lineReader{r: bufio.NewReader(f)}
}

// next returns the next complete line (without its trailing newline) and
// true, or ("", false) if no complete line is currently available.
func (lr *lineReader) next() (string, bool) {
	s, err := lr.r.ReadString('\n')
	if err != nil {
		lr.carry += s
		return "", false
	}
	line := lr.carry + s
	lr.carry = ""
	return strings.TrimRight(line, "\n"), true
}
