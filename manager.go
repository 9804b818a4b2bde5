package txcoord

import (
	"os"
	"sync"

	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord/resource"
	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

type (
	// Manager coordinates the transactions of a partitioned database. It hands out start and commit timestamps,
	// tracks every transaction until it completes and runs the commit protocols against the data services the
	// transactions wrote on.
	//
	// Start, Activate and Abort never wait for other transactions. Commit waits until every commit and abort that was
	// decided before it has been applied, in that order.
	Manager struct {
		opts Options

		// directoryLockGuard is nil when the manager runs in memory.
		directoryLockGuard *directoryLockGuard

		timestampLog *timestampLog
		oracle       *oracle
		registry     *registry
		serializer   *serializer
		retention    *retention
		counters     counters

		eventLog trace.EventLog

		closeOnce sync.Once
		closeErr  error
	}
)

// Open creates a manager with the provided options. Unless the manager runs in memory the directory is created if it
// does not exist and locked for as long as the manager is open.
func Open(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var dirLockGuard *directoryLockGuard

	// We don't have any files in InMemory mode so we don't need to acquire a lock.
	if !opts.InMemory {
		if err := createDir(opts.Dir); err != nil {
			return nil, err
		}

		var err error
		dirLockGuard, err = acquireDirectoryLock(opts.Dir, lockFileName)
		if err != nil {
			return nil, err
		}
	}

	// Release the lock again if anything below fails.
	ok := false
	defer func() {
		if !ok && dirLockGuard != nil {
			_ = dirLockGuard.release()
		}
	}()

	log, checkpoint, err := openOrCreateTimestampLog(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open timestamp log")
	}

	orc, err := newOracle(opts, log, checkpoint)
	if err != nil {
		_ = log.close()
		return nil, err
	}

	reg, err := newRegistry(opts.RegistryShards, opts.CompletedCacheSize)
	if err != nil {
		_ = log.close()
		return nil, err
	}

	eventLog := z.NewEventLog(opts.EventLogging, "txcoord.Manager", opts.Dir)

	m := &Manager{
		opts:               opts,
		directoryLockGuard: dirLockGuard,
		timestampLog:       log,
		oracle:             orc,
		registry:           reg,
		serializer:         newSerializer("txcoord.serializer", opts.SerializerQueueSize, eventLog),
		retention:          newRetention(),
		eventLog:           eventLog,
	}

	ok = true
	timber.Infof("transaction manager opened (dir=%q in-memory=%t clock=%s)", opts.Dir, opts.InMemory, opts.ClockMode)

	return m, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

func createDir(path string) error {
	dirExists, err := exists(path)
	if err != nil {
		return z.Wrapf(err, "Invalid Dir: %q", path)
	}

	if !dirExists {
		// Try to create the directory
		if err = os.MkdirAll(path, 0700); err != nil {
			return z.Wrapf(err, "Error Creating Dir: %q", path)
		}
	}

	return nil
}

// IsOpen returns false once Shutdown or ShutdownNow was called.
func (m *Manager) IsOpen() bool {
	return m.serializer.isOpen()
}

// Start begins a new transaction and returns its start time, which identifies the transaction from now on.
func (m *Manager) Start(level IsolationLevel) (Timestamp, error) {
	if !m.IsOpen() {
		return 0, ErrClosed
	}

	startTime, err := m.retention.register(m.oracle.lastTimestamp, m.oracle.nextTimestamp)
	if err != nil {
		return 0, err
	}

	m.registry.put(newTransaction(startTime, level))
	m.counters.started.Inc()

	return startTime, nil
}

// Activate records that the transaction wrote on the data service identified by locator. The data service takes part
// in the commit of the transaction. Activate returns false if the transaction is unknown, is not a ReadWrite
// transaction or is no longer Active, the write must then be rejected.
func (m *Manager) Activate(startTime Timestamp, locator string) bool {
	if !m.IsOpen() {
		return false
	}

	tx, err := m.registry.get(startTime)
	if err != nil {
		timber.Warningf("cannot activate %s: %v", locator, err)
		return false
	}

	if tx.readOnly {
		timber.Warningf("cannot activate %s: tx %d is %s and cannot write", locator, startTime, tx.level)
		return false
	}

	if !tx.activate(locator) {
		timber.Warningf("cannot activate %s: tx %d is %s", locator, startTime, tx.state())
		return false
	}

	return true
}

// Commit commits the transaction and returns its commit time. It blocks until the outcome is known.
//
// A *ValidationError means the transaction conflicted and was aborted, a *NodeFaultError means a data service failed
// and the transaction was aborted. An *IncompleteCommitError means the transaction committed at the returned commit
// time but some data services did not acknowledge it.
func (m *Manager) Commit(startTime Timestamp) (Timestamp, error) {
	if !m.IsOpen() {
		return 0, ErrClosed
	}

	tx, err := m.registry.get(startTime)
	if err != nil {
		return 0, err
	}

	nodes, ok := tx.leaveActive(Preparing)
	if !ok {
		return 0, errors.Wrapf(ErrNotActive, "tx %d is %s", startTime, tx.state())
	}

	if len(nodes) == 0 {
		commitTime, err := m.oracle.nextTimestamp()
		if err != nil {
			m.abandon(tx, nodes, err)
			return 0, err
		}

		m.trivialCommit(tx, commitTime)
		return commitTime, nil
	}

	var commitTime Timestamp
	done, err := m.serializer.submit("commit", m.commitTask(tx, nodes, &commitTime))
	if err != nil {
		m.abandon(tx, nodes, err)
		return 0, err
	}

	err = <-done
	if tx.state() == Preparing {
		// The task never ran because the manager was shut down.
		m.abandon(tx, nodes, err)
		return 0, err
	}

	if tx.state() == Committed {
		return commitTime, err
	}

	return 0, err
}

// abandon aborts a transaction that left Active but could not be handed to a commit protocol. The data services are
// not told, they can't have prepared the transaction.
func (m *Manager) abandon(tx *transaction, nodes []string, cause error) {
	timber.Errorf("tx %d aborted without notifying %d data services: %v", tx.startTime, len(nodes), cause)
	m.complete(tx, Aborted, 0, cause)
}

// Abort aborts the transaction. The transaction is Aborted when Abort returns, the data services it wrote on are told
// in the background.
func (m *Manager) Abort(startTime Timestamp) error {
	if !m.IsOpen() {
		return ErrClosed
	}

	tx, err := m.registry.get(startTime)
	if err != nil {
		return err
	}

	nodes, ok := tx.leaveActive(Aborted)
	if !ok {
		return errors.Wrapf(ErrNotActive, "tx %d is %s", startTime, tx.state())
	}

	if err := m.serializer.post("abort", m.abortTask(tx, nodes), func() {
		m.abandon(tx, nodes, ErrClosed)
	}); err != nil {
		m.abandon(tx, nodes, err)
		return err
	}

	return nil
}

// Reference pins partition resources for the transaction. A pinned resource is not released until the transaction
// completes, even if it is retired in the meantime.
func (m *Manager) Reference(startTime Timestamp, resources ...resource.Metadata) error {
	if !m.IsOpen() {
		return ErrClosed
	}

	tx, err := m.registry.get(startTime)
	if err != nil {
		return err
	}

	keys := make([]resource.Key, len(resources))
	for i, meta := range resources {
		keys[i] = meta.Key()
	}

	pinned := tx.reference(keys, func([]resource.Key) {
		m.retention.pin(resources)
	})
	if !pinned {
		return errors.Wrapf(ErrNotActive, "tx %d is %s", startTime, tx.state())
	}

	return nil
}

// RetireResource marks a partition resource as Dead as of retiredAt. Transactions that started after retiredAt no
// longer see it in their view.
func (m *Manager) RetireResource(meta resource.Metadata, retiredAt Timestamp) error {
	if !m.IsOpen() {
		return ErrClosed
	}

	m.retention.retire(meta, retiredAt)
	return nil
}

// CollectReleasable returns the retired resources that no transaction can read anymore. They are forgotten by the
// manager, deleting their files is up to the caller.
func (m *Manager) CollectReleasable() []resource.Metadata {
	released := m.retention.collect()
	if len(released) > 0 {
		timber.Debugf("%d resources can be released", len(released))
	}

	return released
}

// EarliestActive returns the start time of the oldest transaction that has not completed yet.
func (m *Manager) EarliestActive() (Timestamp, bool) {
	return m.retention.earliest()
}

// NextTimestamp issues a timestamp that is not tied to a transaction, for example to retire a resource at.
func (m *Manager) NextTimestamp() (Timestamp, error) {
	if !m.IsOpen() {
		return 0, ErrClosed
	}

	return m.oracle.nextTimestamp()
}

// Counters returns a snapshot of the manager's counters.
func (m *Manager) Counters() Counters {
	return Counters{
		Active:        m.registry.len(),
		Started:       m.counters.started.Load(),
		Committed:     m.counters.committed.Load(),
		Aborted:       m.counters.aborted.Load(),
		Conflicts:     m.counters.conflicts.Load(),
		Faults:        m.counters.faults.Load(),
		LastTimestamp: m.oracle.lastTimestamp(),
	}
}

// Shutdown stops accepting new work, waits for every queued commit and abort to be applied and then closes the
// manager. It is safe to call more than once.
func (m *Manager) Shutdown() error {
	return m.close(false)
}

// ShutdownNow stops accepting new work and cancels the commit that is running. Queued commits and aborts fail with
// ErrClosed.
func (m *Manager) ShutdownNow() error {
	return m.close(true)
}

func (m *Manager) close(now bool) error {
	m.closeOnce.Do(func() {
		timber.Infof("shutting down transaction manager, %d transactions still active", m.registry.len())

		if now {
			m.serializer.shutdownNow()
		} else {
			m.serializer.shutdown()
		}

		m.registry.each(func(tx *transaction) {
			timber.Debugf("tx %d was still %s at shutdown, wrote on %v", tx.startTime, tx.state(), tx.writeSet())
		})
		m.registry.close()

		if err := m.timestampLog.close(); err != nil {
			m.closeErr = errors.Wrap(err, "failed to close timestamp log")
		}

		if m.directoryLockGuard != nil {
			if err := m.directoryLockGuard.release(); err != nil && m.closeErr == nil {
				m.closeErr = errors.Wrap(err, "failed to release directory lock")
			}
		}

		m.eventLog.Printf("closed: %s", m.Counters())
		m.eventLog.Finish()
	})

	return m.closeErr
}
