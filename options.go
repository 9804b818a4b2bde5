package txcoord

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/elliotcourant/txcoord/options"
	"github.com/pkg/errors"
)

type (
	// Options are params for creating a Manager. This package provides DefaultOptions which contains options that should
	// work for most applications. Consider using that as a starting point before customizing it for your own needs.
	//
	// Each option X is documented on the WithX method.
	Options struct {
		// Required options.

		Dir      string `toml:"dir"`
		InMemory bool   `toml:"in-memory"`

		// Usually modified options.

		ClockMode                  options.ClockMode `toml:"clock-mode"`
		SyncMode                   options.SyncMode  `toml:"sync-mode"`
		TimestampSaveWindow        options.Duration  `toml:"timestamp-save-window"`
		MaxClockWait               options.Duration  `toml:"max-clock-wait"`
		CheckpointRewriteThreshold int               `toml:"checkpoint-rewrite-threshold"`
		EventLogging               bool              `toml:"event-logging"`

		// Fine tuning options.

		RegistryShards        int              `toml:"registry-shards"`
		SerializerQueueSize   int              `toml:"serializer-queue-size"`
		MaxConcurrentPrepares int              `toml:"max-concurrent-prepares"`
		CommitRetryAttempts   int              `toml:"commit-retry-attempts"`
		CommitRetryBackoff    options.Duration `toml:"commit-retry-backoff"`
		AbortTimeout          options.Duration `toml:"abort-timeout"`
		CompletedCacheSize    int64            `toml:"completed-cache-size"`

		// Collaborators, these can't be set from a config file.

		// Resolver finds the data service behind a node locator. Required unless the manager never commits a
		// transaction that wrote on a data service.
		Resolver Resolver `toml:"-"`

		// Clock returns the current time, defaults to time.Now.
		Clock func() time.Time `toml:"-"`
	}
)

// DefaultOptions sets a list of recommended options for good performance. Feel free to modify these to suit your
// needs with the WithX methods.
func DefaultOptions(path string) Options {
	return Options{
		Dir:                        path,
		ClockMode:                  options.MillisecondClock,
		SyncMode:                   options.SyncOnWrite,
		TimestampSaveWindow:        options.NewDuration(3 * time.Second),
		MaxClockWait:               options.NewDuration(150 * time.Millisecond),
		CheckpointRewriteThreshold: 10000,
		RegistryShards:             32,
		SerializerQueueSize:        128,
		MaxConcurrentPrepares:      16,
		CommitRetryAttempts:        3,
		CommitRetryBackoff:         options.NewDuration(50 * time.Millisecond),
		AbortTimeout:               options.NewDuration(5 * time.Second),
		CompletedCacheSize:         1 << 16,
		Clock:                      time.Now,
	}
}

// LoadOptions reads options from a toml file. Anything the file does not set keeps its default value.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions("")
	meta, err := toml.DecodeFile(path, &opts)
	if err != nil {
		return Options{}, errors.Wrapf(err, "failed to load config file %q", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Options{}, errors.Wrapf(ErrInvalidOptions, "unknown config keys %v", undecoded)
	}

	return opts, opts.validate()
}

// WithDir returns a new Options value with Dir set to the given value.
//
// Dir is the directory that holds the timestamp log. It is created if it does not exist.
func (opt Options) WithDir(val string) Options {
	opt.Dir = val
	return opt
}

// WithInMemory returns a new Options value with InMemory set to the given value.
//
// When InMemory is set nothing is written to disk and timestamps are only guaranteed to be monotonic for the lifetime
// of the process.
func (opt Options) WithInMemory(b bool) Options {
	opt.InMemory = b
	return opt
}

// WithClockMode returns a new Options value with ClockMode set to the given value.
func (opt Options) WithClockMode(val options.ClockMode) Options {
	opt.ClockMode = val
	return opt
}

// WithSyncMode returns a new Options value with SyncMode set to the given value.
func (opt Options) WithSyncMode(val options.SyncMode) Options {
	opt.SyncMode = val
	return opt
}

// WithTimestampSaveWindow returns a new Options value with TimestampSaveWindow set to the given value.
//
// The oracle reserves this much time ahead of the last issued timestamp in the timestamp log. A larger window means
// fewer writes but a larger jump of the timestamps after a restart.
func (opt Options) WithTimestampSaveWindow(val time.Duration) Options {
	opt.TimestampSaveWindow = options.NewDuration(val)
	return opt
}

// WithMaxClockWait returns a new Options value with MaxClockWait set to the given value.
//
// When the system clock has not moved past the last issued timestamp the oracle waits for it. If the clock is further
// behind than this, because it was set back or because the manager restarted inside a reserved window, the oracle stops
// waiting and advances the timestamps on its own until the clock catches up.
func (opt Options) WithMaxClockWait(val time.Duration) Options {
	opt.MaxClockWait = options.NewDuration(val)
	return opt
}

// WithCheckpointRewriteThreshold returns a new Options value with CheckpointRewriteThreshold set to the given value.
//
// Once the timestamp log holds more checkpoints than this it is rewritten to hold only the latest one.
func (opt Options) WithCheckpointRewriteThreshold(val int) Options {
	opt.CheckpointRewriteThreshold = val
	return opt
}

// WithEventLogging returns a new Options value with EventLogging set to the given value.
func (opt Options) WithEventLogging(b bool) Options {
	opt.EventLogging = b
	return opt
}

// WithRegistryShards returns a new Options value with RegistryShards set to the given value. It is rounded up to a
// power of two.
func (opt Options) WithRegistryShards(val int) Options {
	opt.RegistryShards = val
	return opt
}

// WithSerializerQueueSize returns a new Options value with SerializerQueueSize set to the given value.
func (opt Options) WithSerializerQueueSize(val int) Options {
	opt.SerializerQueueSize = val
	return opt
}

// WithMaxConcurrentPrepares returns a new Options value with MaxConcurrentPrepares set to the given value.
func (opt Options) WithMaxConcurrentPrepares(val int) Options {
	opt.MaxConcurrentPrepares = val
	return opt
}

// WithCommitRetry returns a new Options value with CommitRetryAttempts and CommitRetryBackoff set to the given
// values.
//
// Once every data service prepared a transaction the decision to commit is final, a data service that fails to
// acknowledge the commit is retried this many times.
func (opt Options) WithCommitRetry(attempts int, backoff time.Duration) Options {
	opt.CommitRetryAttempts = attempts
	opt.CommitRetryBackoff = options.NewDuration(backoff)
	return opt
}

// WithAbortTimeout returns a new Options value with AbortTimeout set to the given value.
func (opt Options) WithAbortTimeout(val time.Duration) Options {
	opt.AbortTimeout = options.NewDuration(val)
	return opt
}

// WithCompletedCacheSize returns a new Options value with CompletedCacheSize set to the given value. Zero disables the
// cache.
func (opt Options) WithCompletedCacheSize(val int64) Options {
	opt.CompletedCacheSize = val
	return opt
}

// WithResolver returns a new Options value with Resolver set to the given value.
func (opt Options) WithResolver(val Resolver) Options {
	opt.Resolver = val
	return opt
}

// WithClock returns a new Options value with Clock set to the given value.
func (opt Options) WithClock(val func() time.Time) Options {
	opt.Clock = val
	return opt
}

func (opt *Options) validate() error {
	if opt.InMemory && opt.Dir != "" {
		return errors.Wrap(ErrInvalidOptions, "cannot use an in memory manager with Dir set")
	}

	if !opt.InMemory && opt.Dir == "" {
		return errors.Wrap(ErrInvalidOptions, "Dir is required unless InMemory is set")
	}

	if opt.ClockMode != options.MillisecondClock && opt.ClockMode != options.HybridClock {
		return errors.Wrapf(ErrInvalidOptions, "unknown clock mode %d", opt.ClockMode)
	}

	if opt.TimestampSaveWindow.Duration < time.Millisecond {
		return errors.Wrapf(ErrInvalidOptions, "timestamp save window must be at least 1ms, got %s",
			opt.TimestampSaveWindow.Duration)
	}

	if opt.RegistryShards < 1 {
		return errors.Wrapf(ErrInvalidOptions, "registry shards must be positive, got %d", opt.RegistryShards)
	}

	if opt.SerializerQueueSize < 0 {
		return errors.Wrapf(ErrInvalidOptions, "serializer queue size must not be negative, got %d",
			opt.SerializerQueueSize)
	}

	if opt.MaxConcurrentPrepares < 1 {
		return errors.Wrapf(ErrInvalidOptions, "max concurrent prepares must be positive, got %d",
			opt.MaxConcurrentPrepares)
	}

	if opt.CommitRetryAttempts < 0 {
		return errors.Wrapf(ErrInvalidOptions, "commit retry attempts must not be negative, got %d",
			opt.CommitRetryAttempts)
	}

	if opt.CompletedCacheSize < 0 {
		return errors.Wrapf(ErrInvalidOptions, "completed cache size must not be negative, got %d",
			opt.CompletedCacheSize)
	}

	if opt.Clock == nil {
		opt.Clock = time.Now
	}

	return nil
}
