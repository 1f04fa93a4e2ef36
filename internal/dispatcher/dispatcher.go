// Package dispatcher parses one command line at a time, validates it
// against the current lifecycle state, executes it, and produces a
// structured reply. All command execution is serialized by a single
// mutex — the protocol is low-rate and each command is short, so holding
// one lock across spawn/terminate is an accepted trade-off for the
// simplicity of mutual exclusion.
//
// One mutex guards the whole critical section: validate preconditions,
// perform side effects (spawn/terminate/log I/O), then update state last,
// with a fail-safe revert on any error. A single process-wide lock is
// enough here since only one child is ever managed at a time.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/argusvpn/wpsupervisor/internal/audit"
	"github.com/argusvpn/wpsupervisor/internal/config"
	"github.com/argusvpn/wpsupervisor/internal/statemachine"
)

const startupProbeDelay = 500 * time.Millisecond

// Options bundles everything a Dispatcher needs, all supplied as
// interfaces or factories so tests can substitute fakes.
type Options struct {
	Log *zap.Logger

	StateMachine    *statemachine.StateMachine
	SessionLog      SessionLog
	BinaryResolver  config.BinaryResolver
	ConfigLister    config.ConfigLister
	NewChildProcess NewChildProcessFunc
	NewWatchdog     NewWatchdogFunc
	AuditSink       audit.Sink

	BinaryName     string
	Version        string
	Implementation string
}

// Dispatcher owns the single command mutex and the at-most-one Session.
type Dispatcher struct {
	log *zap.Logger

	mu sync.Mutex

	sm             *statemachine.StateMachine
	sessionLog     SessionLog
	binaryResolver config.BinaryResolver
	configLister   config.ConfigLister
	newChild       NewChildProcessFunc
	newWatchdog    NewWatchdogFunc
	auditSink      audit.Sink
	binaryName     string
	version        string
	implementation string

	session     *session
	lastLogPath string
}

// New returns a ready-to-dispatch Dispatcher. All Options fields except
// AuditSink are required.
func New(opts Options) *Dispatcher {
	sink := opts.AuditSink
	if sink == nil {
		sink = audit.Noop{}
	}
	return &Dispatcher{
		log:            opts.Log.Named("dispatcher"),
		sm:             opts.StateMachine,
		sessionLog:     opts.SessionLog,
		binaryResolver: opts.BinaryResolver,
		configLister:   opts.ConfigLister,
		newChild:       opts.NewChildProcess,
		newWatchdog:    opts.NewWatchdog,
		auditSink:      sink,
		binaryName:     opts.BinaryName,
		version:        opts.Version,
		implementation: opts.Implementation,
	}
}

// wireReply is the reply schema on the wire: CMD, result, error, with key
// presence never optional even when a field is null.
type wireReply struct {
	CMD    string  `json:"CMD"`
	Result any     `json:"result"`
	Error  *string `json:"error"`
}

// Dispatch parses and executes one command line (including its trailing
// terminator) and returns the single-line JSON reply, without a trailing
// newline — the caller (TcpServer) owns framing on the wire.
func (d *Dispatcher) Dispatch(raw string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, args, perr := parseCommand(raw)
	if perr != nil {
		return d.reply("unknown", nil, perr)
	}

	result, cmdErr := d.execute(cmd, args)
	return d.reply(cmd, result, cmdErr)
}

// execute dispatches to the named handler, recovering from any panic so a
// single misbehaving handler can never take down a connection worker or
// the process; a panic is reported back as a generic internal error
// instead.
func (d *Dispatcher) execute(cmd string, args []string) (result any, cmdErr *CommandError) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", zap.String("cmd", cmd), zap.Any("recover", r))
			result = nil
			cmdErr = newCommandError(CodeInternalError, "internal error")
		}
	}()

	switch cmd {
	case "spin_up":
		return d.handleSpinUp(args)
	case "spin_down":
		return d.handleSpinDown()
	case "state":
		return d.handleState()
	case "available_confs":
		return d.handleAvailableConfs()
	case "whoami":
		return d.handleWhoami()
	default:
		return nil, newCommandError(CodeUnknownCommand, "unknown command: %s", cmd)
	}
}

func (d *Dispatcher) reply(cmd string, result any, cmdErr *CommandError) string {
	r := wireReply{CMD: cmd, Result: result}
	if cmdErr != nil {
		msg := cmdErr.Message
		r.Error = &msg
		r.Result = nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		d.log.Error("failed to marshal reply", zap.String("cmd", cmd), zap.Error(err))
		return fmt.Sprintf(`{"CMD":%q,"result":null,"error":"internal error"}`, cmd)
	}
	return string(b)
}

// parseCommand splits "<CMD>:<ARG1>,<ARG2>,...\n" into a command name and
// trimmed, non-empty arguments. The colon is mandatory; its absence is a
// ParseError regardless of what else the line contains.
func parseCommand(raw string) (cmd string, args []string, cmdErr *CommandError) {
	line := strings.TrimRight(raw, "\r\n")

	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", nil, newCommandError(CodeParseError, "missing ':' in command line")
	}

	cmd = line[:idx]
	rest := line[idx+1:]
	if rest == "" {
		return cmd, nil, nil
	}

	fields := strings.Split(rest, ",")
	args = make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		args = append(args, f)
	}
	return cmd, args, nil
}

func (d *Dispatcher) recordAudit(id uuid.UUID, cmd string, success bool, detail string) {
	d.auditSink.Record(context.Background(), audit.Event{
		SessionID: id,
		Command:   cmd,
		Timestamp: time.Now(),
		Success:   success,
		Detail:    detail,
	})
}
