package txcoord

import (
	"runtime"
	"sync"
	"time"

	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord/options"
	"github.com/elliotcourant/txcoord/pb"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	logicalMask = Timestamp(1)<<options.LogicalBits - 1
)

type (
	// Timestamp is used both as the start time of a transaction, which is also its identifier, and as the commit time.
	// Both come from the same oracle so they are totally ordered.
	Timestamp uint64

	oracle struct {
		// Used for nextTimestamp and reserving windows in the timestamp log.
		sync.Mutex

		mode  options.ClockMode
		clock func() time.Time

		// last is the last timestamp handed out.
		last Timestamp

		// issued mirrors last so that it can be read without taking the lock.
		issued *atomic.Uint64

		// bound is the highest timestamp reserved in the timestamp log. Nothing above it is handed out until a new
		// checkpoint was written.
		bound  Timestamp
		window time.Duration

		// maxClockWait is how far behind the last timestamp the clock may be before the oracle stops waiting for it.
		maxClockWait time.Duration
		runningAhead bool

		log *timestampLog
	}
)

func newOracle(opts Options, log *timestampLog, checkpoint pb.Checkpoint) (*oracle, error) {
	if checkpoint.Bound > 0 && options.ClockMode(checkpoint.ClockMode) != opts.ClockMode {
		return nil, errors.Wrapf(
			ErrInvalidOptions,
			"timestamp log was written with clock mode %s, cannot switch to %s",
			options.ClockMode(checkpoint.ClockMode),
			opts.ClockMode,
		)
	}

	orc := &oracle{
		mode:         opts.ClockMode,
		clock:        opts.Clock,
		issued:       atomic.NewUint64(checkpoint.Bound),
		last:         Timestamp(checkpoint.Bound),
		bound:        Timestamp(checkpoint.Bound),
		window:       opts.TimestampSaveWindow.Duration,
		maxClockWait: opts.MaxClockWait.Duration,
		log:          log,
	}

	if checkpoint.Bound > 0 {
		timber.Infof("recovered timestamp bound %d, last issued before restart was at most that", checkpoint.Bound)
	}

	return orc, nil
}

// fromTime converts a wall clock time into the smallest timestamp of that millisecond.
func (o *oracle) fromTime(t time.Time) Timestamp {
	millis := Timestamp(t.UnixNano() / int64(time.Millisecond))
	if o.mode == options.HybridClock {
		return millis << options.LogicalBits
	}

	return millis
}

// toDuration converts a span of wall clock time into a span of timestamps.
func (o *oracle) toDuration(d time.Duration) Timestamp {
	millis := Timestamp(d / time.Millisecond)
	if o.mode == options.HybridClock {
		return millis << options.LogicalBits
	}

	return millis
}

// nextTimestamp returns a timestamp strictly greater than every timestamp it returned before. An error is only
// returned when the timestamp log could not be written, in that case no timestamp was issued.
func (o *oracle) nextTimestamp() (Timestamp, error) {
	o.Lock()
	defer o.Unlock()

	for {
		now := o.clock()
		candidate := o.fromTime(now)

		if candidate > o.last {
			if o.runningAhead {
				timber.Infof("clock caught up with issued timestamps at %d", candidate)
				o.runningAhead = false
			}

			return o.issue(candidate, now)
		}

		// Within the same millisecond a hybrid clock can keep handing out timestamps from its logical counter.
		if o.mode == options.HybridClock && o.last&logicalMask < logicalMask {
			return o.issue(o.last+1, now)
		}

		behind := o.last - candidate
		if behind > o.toDuration(o.maxClockWait) {
			// The clock is too far behind to wait for it, either it was set back or we restarted inside of the window
			// we reserved before. Advance on our own until the clock catches up.
			if !o.runningAhead {
				timber.Warningf(
					"system clock is %d ticks behind the last issued timestamp %d, advancing without the clock",
					behind, o.last,
				)
				tsoCounter.WithLabelValues("clock_behind").Inc()
				o.runningAhead = true
			}

			return o.issue(o.last+1, now)
		}

		tsoCounter.WithLabelValues("wait").Inc()
		o.waitFor(now)
	}
}

// waitFor blocks until the clock should have moved past the last issued timestamp.
func (o *oracle) waitFor(now time.Time) {
	lastMillis := int64(o.last)
	if o.mode == options.HybridClock {
		lastMillis = int64(o.last >> options.LogicalBits)
	}

	wait := time.Duration((lastMillis+1)*int64(time.Millisecond) - now.UnixNano())
	if wait <= 0 {
		runtime.Gosched()
		return
	}

	time.Sleep(wait)
}

// issue records ts as the last timestamp, reserving a new window in the timestamp log first if ts is outside of the
// current one. The lock must be held.
func (o *oracle) issue(ts Timestamp, now time.Time) (Timestamp, error) {
	if ts > o.bound && !o.log.inMemory {
		bound := ts + o.toDuration(o.window)
		checkpoint := pb.Checkpoint{
			Bound:     uint64(bound),
			Issued:    uint64(ts),
			SavedAt:   now.UnixNano(),
			ClockMode: uint8(o.mode),
		}
		if err := o.log.addCheckpoint(checkpoint); err != nil {
			tsoCounter.WithLabelValues("save_failed").Inc()
			return 0, errors.Wrap(err, "failed to reserve timestamps")
		}

		tsoCounter.WithLabelValues("save").Inc()
		o.bound = bound
	}

	o.last = ts
	o.issued.Store(uint64(ts))

	return ts, nil
}

// lastTimestamp returns the last timestamp that was handed out, or the recovered bound if none was handed out yet.
func (o *oracle) lastTimestamp() Timestamp {
	return Timestamp(o.issued.Load())
}
