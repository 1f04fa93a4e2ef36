package dispatcher

import (
	"time"

	"github.com/google/uuid"
)

// session is the bundle of state associated with one child lifetime. It is
// owned exclusively by the Dispatcher: only dispatcher methods, under the
// dispatcher's mutex, may install or drop one. The watchdog is handed a
// back-reference (pid + log path + stop/drop flag) sufficient to signal
// the process group, never ownership of the session itself.
type session struct {
	id         uuid.UUID
	configName string
	startedAt  time.Time

	child    ChildProcess
	watchdog NetworkWatchdog

	// networkDrop is not set by any dispatcher path: lazyCleanup picks the
	// footer reason by reading the watchdog's DropFlag directly, before it
	// stops the watchdog.
	networkDrop bool
}
