package z

import "golang.org/x/net/trace"

var (
	// NoEventLog discards everything, it is used whenever event logging is turned off.
	NoEventLog trace.EventLog = nilEventLog{}
)

type nilEventLog struct{}

// NewEventLog returns a trace.EventLog for the family and title provided if enabled is true, otherwise NoEventLog is
// returned.
func NewEventLog(enabled bool, family, title string) trace.EventLog {
	if !enabled {
		return NoEventLog
	}

	return trace.NewEventLog(family, title)
}

func (nel nilEventLog) Printf(format string, a ...interface{}) {}

func (nel nilEventLog) Errorf(format string, a ...interface{}) {}

func (nel nilEventLog) Finish() {}
