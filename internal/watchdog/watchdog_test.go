package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// waitForTrip polls DropFlag for up to timeout, returning true on success.
func waitForTrip(w *Watchdog, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.DropFlag() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func newTestLog(t *testing.T) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, path
}

func TestFiveConsecutiveMatchesTripsWatchdog(t *testing.T) {
	f, path := newTestLog(t)
	alwaysValid := func() bool { return true }

	w := New(zap.NewNop(), path, 999999, alwaysValid)
	w.Start()
	defer w.Stop()

	time.Sleep(startupDelay + 200*time.Millisecond) // let the watchdog open the log and seek to its end
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("network is unreachable\n")
		require.NoError(t, err)
	}

	assert.True(t, waitForTrip(w, 3*time.Second))
	w.Join()
}

func TestFourMatchesThenResetDoesNotTrip(t *testing.T) {
	f, path := newTestLog(t)
	alwaysValid := func() bool { return true }

	w := New(zap.NewNop(), path, 999999, alwaysValid)
	w.Start()
	defer func() {
		w.Stop()
		w.Join()
	}()

	time.Sleep(startupDelay + 200*time.Millisecond) // let the watchdog open the log and seek to its end
	for i := 0; i < 4; i++ {
		_, err := f.WriteString("network is unreachable\n")
		require.NoError(t, err)
	}
	_, err := f.WriteString("some ordinary line\n")
	require.NoError(t, err)
	_, err = f.WriteString("network is unreachable\n")
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	assert.False(t, w.DropFlag())
}

func TestErrorPrefixedLinesDoNotResetStreak(t *testing.T) {
	f, path := newTestLog(t)
	alwaysValid := func() bool { return true }

	w := New(zap.NewNop(), path, 999999, alwaysValid)
	w.Start()
	defer w.Stop()

	time.Sleep(startupDelay + 200*time.Millisecond) // let the watchdog open the log and seek to its end
	for i := 0; i < 4; i++ {
		_, err := f.WriteString("network is unreachable\n")
		require.NoError(t, err)
	}
	_, err := f.WriteString("ERROR: something unrelated\n")
	require.NoError(t, err)
	_, err = f.WriteString("network is unreachable\n")
	require.NoError(t, err)

	assert.True(t, waitForTrip(w, 3*time.Second))
	w.Join()
}

func TestStopTerminatesLoopWithoutTrip(t *testing.T) {
	_, path := newTestLog(t)
	w := New(zap.NewNop(), path, 999999, func() bool { return true })
	w.Start()

	w.Stop()
	done := make(chan struct{})
	go func() { w.Join(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop within the poll interval budget")
	}
	assert.False(t, w.DropFlag())
}

func TestMissingLogFileExitsQuietly(t *testing.T) {
	w := New(zap.NewNop(), filepath.Join(t.TempDir(), "does-not-exist.log"), 1, func() bool { return true })
	w.Start()

	done := make(chan struct{})
	go func() { w.Join(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog should exit quietly when the log cannot be opened")
	}
}

func TestInvalidPIDSkipsSignal(t *testing.T) {
	f, path := newTestLog(t)
	w := New(zap.NewNop(), path, 999999, func() bool { return false })
	w.Start()
	defer w.Stop()

	time.Sleep(startupDelay + 200*time.Millisecond) // let the watchdog open the log and seek to its end
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("can't assign requested address\n")
		require.NoError(t, err)
	}

	assert.True(t, waitForTrip(w, 3*time.Second))
	w.Join()
}
