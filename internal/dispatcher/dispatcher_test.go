package dispatcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/argusvpn/wpsupervisor/internal/sessionlog"
	"github.com/argusvpn/wpsupervisor/internal/statemachine"
)

func newSM() *statemachine.StateMachine {
	return statemachine.New()
}

func newRealSessionLog(t *testing.T, logsDir, configsDir string) *sessionlog.SessionLog {
	t.Helper()
	return sessionlog.New(logsDir, configsDir, zap.NewNop())
}

// fakeChild is a ChildProcess test double: no real fork/exec, just enough
// state to drive dispatcher handler paths.
type fakeChild struct {
	spawnErr        error
	alive           atomic.Bool
	pid             int
	terminateReason string
	terminated      atomic.Bool
}

func (f *fakeChild) Spawn(binaryPath, argv0, configPath string, output *os.File) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	return nil
}

func (f *fakeChild) PID() int            { return f.pid }
func (f *fakeChild) IsAlive() bool       { return f.alive.Load() }
func (f *fakeChild) StillTracking() bool { return f.alive.Load() }
func (f *fakeChild) Terminate() string {
	f.alive.Store(false)
	f.terminated.Store(true)
	return f.terminateReason
}

type fakeWatchdog struct {
	dropFlag atomic.Bool
	started  atomic.Bool
	stopped  atomic.Bool
}

func (w *fakeWatchdog) Start()          { w.started.Store(true) }
func (w *fakeWatchdog) Stop()           { w.stopped.Store(true) }
func (w *fakeWatchdog) Join()           {}
func (w *fakeWatchdog) DropFlag() bool  { return w.dropFlag.Load() }

type fakeBinaryResolver struct {
	path string
	err  error
}

func (r fakeBinaryResolver) ResolvePath(name string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.path, nil
}

type fakeConfigLister struct {
	dir   string
	names []string
}

func (l fakeConfigLister) Resolve(name string) (string, bool) {
	for _, n := range l.names {
		if n == name {
			return filepath.Join(l.dir, name), true
		}
	}
	return "", false
}

func (l fakeConfigLister) List() ([]string, error) {
	return l.names, nil
}

// harness bundles a Dispatcher wired to fakes plus the real sessionlog
// package (exercising the actual header/footer contract end to end), and
// exposes knobs to control the next spawned child's behavior.
type harness struct {
	t          *testing.T
	dispatcher *Dispatcher
	nextChild  *fakeChild
	lastWD     *fakeWatchdog
}

func newHarness(t *testing.T, configNames []string, nextPID int, aliveAfterSpawn bool) *harness {
	t.Helper()
	logsDir := t.TempDir()
	configsDir := t.TempDir()

	sl := newRealSessionLog(t, logsDir, configsDir)

	h := &harness{t: t}
	h.nextChild = &fakeChild{pid: nextPID, terminateReason: "Graceful termination"}
	if aliveAfterSpawn {
		h.nextChild.alive.Store(true)
	}

	d := New(Options{
		Log:            zap.NewNop(),
		StateMachine:   newSM(),
		SessionLog:     sl,
		BinaryResolver: fakeBinaryResolver{path: "/bin/true"},
		ConfigLister:   fakeConfigLister{dir: configsDir, names: configNames},
		NewChildProcess: func() ChildProcess {
			return h.nextChild
		},
		NewWatchdog: func(path string, pid int, valid func() bool) NetworkWatchdog {
			h.lastWD = &fakeWatchdog{}
			return h.lastWD
		},
		BinaryName:     "wireproxy",
		Version:        "test-version",
		Implementation: "wpsupervisor-test",
	})
	h.dispatcher = d
	return h
}

func (h *harness) dispatch(line string) map[string]any {
	h.t.Helper()
	raw := h.dispatcher.Dispatch(line)
	var parsed map[string]any
	require.NoError(h.t, json.Unmarshal([]byte(raw), &parsed))
	return parsed
}

func TestWhoamiIsPure(t *testing.T) {
	h := newHarness(t, nil, 100, true)
	r1 := h.dispatch("whoami:\n")
	r2 := h.dispatch("whoami:\n")
	assert.Equal(t, r1, r2)
	assert.Equal(t, "whoami", r1["CMD"])
	assert.Nil(t, r1["error"])
}

func TestAvailableConfsEmptyDirectory(t *testing.T) {
	h := newHarness(t, []string{}, 100, true)
	r := h.dispatch("available_confs:\n")
	result := r["result"].(map[string]any)
	assert.Equal(t, float64(0), result["count"])
	assert.Equal(t, []any{}, result["configs"])
}

func TestStateAtStartup(t *testing.T) {
	h := newHarness(t, nil, 100, true)
	r := h.dispatch("state:\n")
	result := r["result"].(map[string]any)
	assert.Equal(t, false, result["running"])
	assert.Nil(t, result["config"])
	assert.Nil(t, result["pid"])
	assert.Nil(t, result["log_file"])
}

func TestSpinUpUnknownConfig(t *testing.T) {
	h := newHarness(t, nil, 100, true)
	r := h.dispatch("spin_up:does-not-exist\n")
	assert.Nil(t, r["result"])
	assert.Equal(t, "Configuration not found: does-not-exist.conf", r["error"])
}

func TestSpinDownWhenIdle(t *testing.T) {
	h := newHarness(t, nil, 100, true)
	r := h.dispatch("spin_down:\n")
	assert.Nil(t, r["result"])
	assert.Equal(t, "WireProxy is not running", r["error"])
}

func TestMalformedLineReturnsUnknownWithParseError(t *testing.T) {
	h := newHarness(t, nil, 100, true)
	r := h.dispatch("hello world\n")
	assert.Equal(t, "unknown", r["CMD"])
	assert.Nil(t, r["result"])
	assert.NotNil(t, r["error"])
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t, []string{"c.conf"}, 4242, true)

	up := h.dispatch("spin_up:c\n")
	upResult := up["result"].(map[string]any)
	assert.Equal(t, "running", upResult["status"])
	assert.Equal(t, "c.conf", upResult["config"])
	assert.Equal(t, float64(4242), upResult["pid"])
	logFile, _ := upResult["log_file"].(string)
	assert.NotEmpty(t, logFile)

	st := h.dispatch("state:\n")
	stResult := st["result"].(map[string]any)
	assert.Equal(t, true, stResult["running"])
	assert.Equal(t, float64(4242), stResult["pid"])

	down := h.dispatch("spin_down:\n")
	downResult := down["result"].(map[string]any)
	assert.Equal(t, "stopped", downResult["status"])
	assert.Equal(t, "c.conf", downResult["previous_config"])

	st2 := h.dispatch("state:\n")
	st2Result := st2["result"].(map[string]any)
	assert.Equal(t, false, st2Result["running"])
	assert.Equal(t, logFile, st2Result["log_file"])

	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "WireProxy Server Log")
	assert.Contains(t, string(contents), "WireProxy Server Teardown")
}

func TestSpinUpAlreadyRunning(t *testing.T) {
	h := newHarness(t, []string{"c.conf"}, 1, true)
	h.dispatch("spin_up:c\n")

	r := h.dispatch("spin_up:c\n")
	assert.Nil(t, r["result"])
	assert.Equal(t, "WireProxy is already running", r["error"])
}

func TestSpinUpStartupFailure(t *testing.T) {
	h := newHarness(t, []string{"c.conf"}, 1, false) // child never reports alive

	r := h.dispatch("spin_up:c\n")
	assert.Nil(t, r["result"])
	assert.Contains(t, r["error"], "process died during startup")

	// State must be reverted to Idle and available for a fresh spin_up.
	st := h.dispatch("state:\n")
	stResult := st["result"].(map[string]any)
	assert.Equal(t, false, stResult["running"])
}

func TestStateLazyCleanupOnUnexpectedDeath(t *testing.T) {
	h := newHarness(t, []string{"c.conf"}, 7, true)
	h.dispatch("spin_up:c\n")

	h.nextChild.alive.Store(false)

	st := h.dispatch("state:\n")
	stResult := st["result"].(map[string]any)
	assert.Equal(t, false, stResult["running"])

	logFile := stResult["log_file"].(string)
	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Process died unexpectedly")
}

func TestStateLazyCleanupReportsNetworkDrop(t *testing.T) {
	h := newHarness(t, []string{"c.conf"}, 8, true)
	h.dispatch("spin_up:c\n")

	h.nextChild.alive.Store(false)
	h.lastWD.dropFlag.Store(true)

	st := h.dispatch("state:\n")
	logFile := st["result"].(map[string]any)["log_file"].(string)
	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Network drop detected - auto-terminated")
}
