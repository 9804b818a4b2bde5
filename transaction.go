package txcoord

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/elliotcourant/txcoord/resource"
	"go.uber.org/atomic"
)

// IsolationLevel is the consistency guarantee a transaction asked for.
type IsolationLevel uint8

const (
	// ReadOnly transactions read from the state as of their start time and never write.
	ReadOnly IsolationLevel = iota
	// ReadCommitted transactions read the most recently committed state.
	ReadCommitted
	// ReadWrite transactions are fully isolated and may write.
	ReadWrite
)

// RunState is where a transaction is in its lifecycle. A transaction only ever moves forward through these states.
type RunState int32

const (
	Active RunState = iota
	Preparing
	Committed
	Aborted
)

type (
	// transaction is the coordinator's record of a single transaction.
	transaction struct {
		// The following are initialized once and are constant.
		startTime Timestamp
		level     IsolationLevel
		readOnly  bool

		runState   atomic.Int32
		commitTime atomic.Uint64

		// writtenOn is the set of data services the transaction declared writes on. It has its own lock so that
		// activations from different goroutines never contend with anything but each other.
		writtenOn struct {
			sync.Mutex
			nodes map[string]struct{}
			order []string
		}

		// referenced are the partition resources the transaction pinned.
		referenced struct {
			sync.Mutex
			keys []resource.Key
		}
	}
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadOnly:
		return "read-only"
	case ReadCommitted:
		return "read-committed"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", uint8(l))
	}
}

func (s RunState) String() string {
	switch s {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// IsComplete returns true for the terminal states.
func (s RunState) IsComplete() bool {
	return s == Committed || s == Aborted
}

func newTransaction(startTime Timestamp, level IsolationLevel) *transaction {
	tx := &transaction{
		startTime: startTime,
		level:     level,
		readOnly:  level != ReadWrite,
	}
	tx.writtenOn.nodes = map[string]struct{}{}
	return tx
}

func (tx *transaction) state() RunState {
	return RunState(tx.runState.Load())
}

func (tx *transaction) isActive() bool {
	return tx.state() == Active
}

// transition moves the transaction from one state to another. It returns false if the transaction was not in the
// from state, in which case nothing changed.
func (tx *transaction) transition(from, to RunState) bool {
	if to <= from {
		panic(fmt.Sprintf("tx %d cannot move backwards from %s to %s", tx.startTime, from, to))
	}

	return tx.runState.CAS(int32(from), int32(to))
}

// leaveActive moves the transaction out of Active and returns a snapshot of the data services it wrote on. Holding
// the writtenOn lock while changing the state means that every activation that saw the transaction as Active is part
// of the snapshot, and every activation after it sees that the transaction is no longer Active.
func (tx *transaction) leaveActive(to RunState) ([]string, bool) {
	tx.writtenOn.Lock()
	defer tx.writtenOn.Unlock()

	if !tx.transition(Active, to) {
		return nil, false
	}

	return append([]string(nil), tx.writtenOn.order...), true
}

// activate adds the data service to the set of data services the transaction wrote on. It returns false if the
// transaction is no longer Active.
func (tx *transaction) activate(locator string) bool {
	tx.writtenOn.Lock()
	defer tx.writtenOn.Unlock()

	if !tx.isActive() {
		return false
	}

	if _, ok := tx.writtenOn.nodes[locator]; !ok {
		tx.writtenOn.nodes[locator] = struct{}{}
		tx.writtenOn.order = append(tx.writtenOn.order, locator)
	}

	return true
}

// writeSet returns the data services the transaction wrote on, in the order they were first declared.
func (tx *transaction) writeSet() []string {
	tx.writtenOn.Lock()
	defer tx.writtenOn.Unlock()

	return append([]string(nil), tx.writtenOn.order...)
}

// reference pins resources for the transaction. The pin callback runs while the transaction is known to be Active and
// before takeReferences can observe the keys, so every pin is matched by exactly one release. It returns false if the
// transaction is no longer Active.
func (tx *transaction) reference(keys []resource.Key, pin func([]resource.Key)) bool {
	tx.referenced.Lock()
	defer tx.referenced.Unlock()

	if !tx.isActive() {
		return false
	}

	pin(keys)
	tx.referenced.keys = append(tx.referenced.keys, keys...)
	return true
}

// takeReferences returns the pinned resources and forgets them, so they are only released once.
func (tx *transaction) takeReferences() []resource.Key {
	tx.referenced.Lock()
	defer tx.referenced.Unlock()

	keys := tx.referenced.keys
	tx.referenced.keys = nil
	return keys
}

// setCommitTime assigns the commit time. It can only be done once.
func (tx *transaction) setCommitTime(commitTime Timestamp) bool {
	return tx.commitTime.CAS(0, uint64(commitTime))
}

func (tx *transaction) String() string {
	return strconv.FormatUint(uint64(tx.startTime), 10)
}
