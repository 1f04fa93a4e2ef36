// Package audit implements a passive command-audit sink: the dispatcher
// calls Record once per successful spin_up and once per successful
// spin_down, and this package supplies a no-op default plus an optional
// Redis-backed implementation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event describes one completed dispatcher command.
type Event struct {
	SessionID uuid.UUID
	Command   string
	Timestamp time.Time
	Success   bool
	Detail    string
}

// Sink receives one Event per successful spin_up or spin_down; other
// commands and failed commands are not recorded. Implementations must not
// block the dispatcher for long: the dispatcher's single command mutex is
// held for the duration of Record.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Noop discards every event. It is the default sink when no audit backend
// is configured.
type Noop struct{}

func (Noop) Record(context.Context, Event) {}

var _ Sink = Noop{}
