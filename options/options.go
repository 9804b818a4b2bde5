package options

import (
	"fmt"
	"strings"
	"time"
)

// ClockMode specifies how the timestamp oracle derives timestamps from the system clock.
type ClockMode int

const (
	// MillisecondClock issues the wall clock in milliseconds and waits for the next distinct millisecond whenever the
	// clock has not moved past the last issued timestamp.
	MillisecondClock ClockMode = iota
	// HybridClock issues a physical millisecond shifted left by LogicalBits combined with a logical counter. Many
	// timestamps can be issued within a single millisecond before the oracle has to wait on the clock.
	HybridClock
)

// LogicalBits is the number of low bits that a HybridClock reserves for its logical counter.
const LogicalBits = 18

// SyncMode tells when the timestamp log should be flushed to disk.
type SyncMode int

const (
	// SyncOnWrite calls fsync after every checkpoint that is written to the timestamp log.
	SyncOnWrite SyncMode = iota
	// NoSync leaves flushing up to the operating system. A crash may lose the last checkpoint, which in turn may let
	// timestamps go backwards on restart. Only useful for tests.
	NoSync
)

type (
	// Duration is a time.Duration that can be read from and written to a config file as a string like "3s".
	Duration struct {
		time.Duration
	}
)

// NewDuration wraps the provided duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses a duration string like "150ms".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}

// MarshalText formats the duration the same way time.Duration.String() does.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (m ClockMode) String() string {
	switch m {
	case MillisecondClock:
		return "millisecond"
	case HybridClock:
		return "hybrid"
	default:
		return fmt.Sprintf("ClockMode(%d)", int(m))
	}
}

// UnmarshalText accepts "millisecond" or "hybrid".
func (m *ClockMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "millisecond", "":
		*m = MillisecondClock
	case "hybrid":
		*m = HybridClock
	default:
		return fmt.Errorf("unknown clock mode %q", string(text))
	}

	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (m ClockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m SyncMode) String() string {
	switch m {
	case SyncOnWrite:
		return "sync"
	case NoSync:
		return "nosync"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// UnmarshalText accepts "sync" or "nosync".
func (m *SyncMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "sync", "":
		*m = SyncOnWrite
	case "nosync":
		*m = NoSync
	default:
		return fmt.Errorf("unknown sync mode %q", string(text))
	}

	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
