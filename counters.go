package txcoord

import (
	"fmt"

	"go.uber.org/atomic"
)

type (
	// Counters is a snapshot of what the manager has been doing since it was opened.
	Counters struct {
		// Active is the number of transactions that have not completed yet.
		Active    int
		Started   uint64
		Committed uint64
		Aborted   uint64

		// Conflicts and Faults count the aborts and incomplete commits by cause. An abort requested by the client is
		// neither.
		Conflicts uint64
		Faults    uint64

		LastTimestamp Timestamp
	}

	counters struct {
		started   atomic.Uint64
		committed atomic.Uint64
		aborted   atomic.Uint64
		conflicts atomic.Uint64
		faults    atomic.Uint64
	}
)

func (c Counters) String() string {
	return fmt.Sprintf(
		"active=%d started=%d committed=%d aborted=%d conflicts=%d faults=%d last=%d",
		c.Active, c.Started, c.Committed, c.Aborted, c.Conflicts, c.Faults, c.LastTimestamp,
	)
}

// record counts a completed transaction. cause is the error the transaction completed with, if any.
func (c *counters) record(state RunState, cause error) {
	switch state {
	case Committed:
		c.committed.Inc()
	case Aborted:
		c.aborted.Inc()
	}

	switch {
	case cause == nil:
	case IsConflict(cause):
		c.conflicts.Inc()
	case IsFault(cause):
		c.faults.Inc()
	}
}
