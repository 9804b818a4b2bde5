package txcoord

import (
	"context"
	"time"

	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	trivialProtocol     = "trivial"
	singlePhaseProtocol = "single-phase"
	multiPhaseProtocol  = "multi-phase"
)

// commitTask returns the serializer task that commits the transaction on the data services it wrote on. The
// transaction must be Preparing and have a non-empty write set. The commit time is taken when the task starts, so
// commit times follow the order in which the serializer runs the tasks. The task completes the transaction before it
// returns, the error it returns is the one the caller of Commit gets.
func (m *Manager) commitTask(tx *transaction, nodes []string, commitTime *Timestamp) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		// The commit time is taken before the outcome is known, a transaction that fails to commit still used it up.
		ts, err := m.oracle.nextTimestamp()
		if err != nil {
			m.abandon(tx, nodes, err)
			return err
		}
		*commitTime = ts

		if len(nodes) == 1 {
			return m.singlePhaseCommit(ctx, tx, nodes[0], ts)
		}

		return m.multiPhaseCommit(ctx, tx, nodes, ts)
	}
}

// trivialCommit commits a transaction that did not write anywhere, there is nothing to validate.
func (m *Manager) trivialCommit(tx *transaction, commitTime Timestamp) {
	start := time.Now()
	m.complete(tx, Committed, commitTime, nil)
	commitDuration.WithLabelValues(trivialProtocol).Observe(time.Since(start).Seconds())
}

func (m *Manager) singlePhaseCommit(ctx context.Context, tx *transaction, node string, commitTime Timestamp) error {
	start := time.Now()
	defer func() {
		commitDuration.WithLabelValues(singlePhaseProtocol).Observe(time.Since(start).Seconds())
	}()

	service, err := m.resolve(tx.startTime, node)
	if err != nil {
		m.complete(tx, Aborted, 0, err)
		return err
	}

	err = service.Commit(ctx, tx.startTime, commitTime)
	if err == nil {
		m.complete(tx, Committed, commitTime, nil)
		return nil
	}

	if validationErr := asValidationError(err); validationErr != nil {
		m.complete(tx, Aborted, 0, validationErr)
		return validationErr
	}

	// The node may still hold the write set, ask it to drop it.
	m.abortOn(ctx, tx.startTime, []string{node}, []DataService{service})

	fault := &NodeFaultError{StartTime: tx.startTime, Node: node, Err: err}
	m.complete(tx, Aborted, 0, fault)
	return fault
}

func (m *Manager) multiPhaseCommit(ctx context.Context, tx *transaction, nodes []string, commitTime Timestamp) error {
	start := time.Now()
	defer func() {
		commitDuration.WithLabelValues(multiPhaseProtocol).Observe(time.Since(start).Seconds())
	}()

	services := make([]DataService, len(nodes))
	for i, node := range nodes {
		service, err := m.resolve(tx.startTime, node)
		if err != nil {
			// Nothing was prepared yet, tell the nodes we could resolve that the transaction is gone.
			m.abortOn(ctx, tx.startTime, nodes[:i], services[:i])
			m.complete(tx, Aborted, 0, err)
			return err
		}

		services[i] = service
	}

	if err := m.prepareAll(ctx, tx.startTime, commitTime, nodes, services); err != nil {
		m.abortOn(ctx, tx.startTime, nodes, services)
		m.complete(tx, Aborted, 0, err)
		return err
	}

	// Every node prepared, the transaction is committed no matter what happens from here on.
	failed := m.commitAll(ctx, tx.startTime, nodes, services)
	if len(failed) == 0 {
		m.complete(tx, Committed, commitTime, nil)
		return nil
	}

	failedNodes := make([]string, 0, len(failed))
	var first error
	for i, err := range failed {
		if err == nil {
			continue
		}

		if first == nil {
			first = err
		}
		failedNodes = append(failedNodes, nodes[i])
	}

	incomplete := &IncompleteCommitError{
		StartTime:  tx.startTime,
		CommitTime: commitTime,
		Nodes:      failedNodes,
		Err:        first,
	}
	timber.Errorf("%v", incomplete)
	m.complete(tx, Committed, commitTime, incomplete)
	return incomplete
}

// prepareAll asks every node to prepare the transaction, at most MaxConcurrentPrepares at a time. If any node did not
// prepare, the returned error is the first conflict in node order, or the first fault if no node conflicted.
func (m *Manager) prepareAll(
	ctx context.Context,
	startTime, commitTime Timestamp,
	nodes []string,
	services []DataService,
) error {
	results := make([]error, len(services))
	throttle := z.NewThrottle(m.opts.MaxConcurrentPrepares)
	for i := range services {
		if err := throttle.Do(ctx); err != nil {
			for j := i; j < len(services); j++ {
				results[j] = err
			}
			break
		}

		go func(i int) {
			results[i] = services[i].Prepare(ctx, startTime, commitTime)
			throttle.Done(nil)
		}(i)
	}
	_ = throttle.Finish()

	var fault error
	for i, err := range results {
		if err == nil {
			continue
		}

		if validationErr := asValidationError(err); validationErr != nil {
			return validationErr
		}

		if fault == nil {
			fault = &NodeFaultError{StartTime: startTime, Node: nodes[i], Err: err}
		}
	}

	return fault
}

// commitAll tells every node that prepared the transaction to commit it. It returns the last error of each node that
// still failed after all retries, or nil if every node committed.
func (m *Manager) commitAll(ctx context.Context, startTime Timestamp, nodes []string, services []DataService) []error {
	failed := make([]error, len(services))

	var group errgroup.Group
	for i := range services {
		i := i
		group.Go(func() error {
			failed[i] = m.commitPrepared(ctx, startTime, nodes[i], services[i])
			return failed[i]
		})
	}

	if err := group.Wait(); err == nil {
		return nil
	}

	return failed
}

func (m *Manager) commitPrepared(ctx context.Context, startTime Timestamp, node string, service DataService) error {
	attempts := m.opts.CommitRetryAttempts + 1
	backoff := m.opts.CommitRetryBackoff.Duration

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = service.CommitPrepared(ctx, startTime); err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		timber.Warningf("tx %d: commit on %s failed (attempt %d/%d): %v", startTime, node, attempt, attempts, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Wrapf(err, "gave up after %d attempts", attempt)
		}
	}

	return errors.Wrapf(err, "gave up after %d attempts", attempts)
}

// abortTask returns the serializer task for a transaction the client aborted. The transaction is already Aborted, the
// data services are told in the background so the task does not hold up the serializer.
func (m *Manager) abortTask(tx *transaction, nodes []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		m.complete(tx, Aborted, 0, nil)

		if len(nodes) == 0 {
			return nil
		}

		m.serializer.background(func(ctx context.Context) {
			services := make([]DataService, 0, len(nodes))
			locators := make([]string, 0, len(nodes))
			for _, node := range nodes {
				service, err := m.resolve(tx.startTime, node)
				if err != nil {
					timber.Warningf("tx %d: could not notify %s of abort: %v", tx.startTime, node, err)
					continue
				}

				services = append(services, service)
				locators = append(locators, node)
			}

			m.abortOn(ctx, tx.startTime, locators, services)
		})

		return nil
	}
}

// abortOn tells every data service to drop the write set of the transaction and waits for them to answer, or for
// AbortTimeout to pass. Failures are logged, a node that does not hear about the abort will find out when it asks.
func (m *Manager) abortOn(ctx context.Context, startTime Timestamp, nodes []string, services []DataService) {
	if len(services) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.AbortTimeout.Duration)
	defer cancel()

	var group errgroup.Group
	for i := range services {
		i := i
		group.Go(func() error {
			if err := services[i].Abort(ctx, startTime); err != nil {
				timber.Warningf("tx %d: abort on %s failed: %v", startTime, nodes[i], err)
				return err
			}

			return nil
		})
	}

	_ = group.Wait()
}

// resolve finds the data service for the node, a failure is reported as a fault of that node.
func (m *Manager) resolve(startTime Timestamp, node string) (DataService, error) {
	if m.opts.Resolver == nil {
		return nil, &NodeFaultError{StartTime: startTime, Node: node, Err: errors.New("no resolver configured")}
	}

	service, err := m.opts.Resolver.Resolve(node)
	if err != nil {
		return nil, &NodeFaultError{StartTime: startTime, Node: node, Err: errors.Wrap(err, "failed to resolve")}
	}

	return service, nil
}

// complete moves the transaction into its final state and updates everything that keeps track of it. It is called
// exactly once per transaction, from the serializer unless the commit was trivial.
func (m *Manager) complete(tx *transaction, state RunState, commitTime Timestamp, cause error) {
	z.AssertTruef(state.IsComplete(), "tx %d cannot complete as %s", tx.startTime, state)

	if state == Committed {
		z.AssertTrue(tx.setCommitTime(commitTime))
	}

	if from := tx.state(); from != state {
		z.AssertTruef(tx.transition(from, state), "tx %d changed state while completing", tx.startTime)
	}

	m.registry.remove(tx)
	m.retention.complete(tx.startTime, tx.takeReferences())
	m.counters.record(state, cause)
	txnCounter.WithLabelValues(resultLabel(state, cause)).Inc()

	if cause != nil {
		m.eventLog.Errorf("tx %d %s: %v", tx.startTime, state, cause)
	} else {
		m.eventLog.Printf("tx %d %s", tx.startTime, state)
	}
}

func resultLabel(state RunState, cause error) string {
	switch {
	case cause == nil:
		return state.String()
	case IsConflict(cause):
		return "conflict"
	case state == Committed:
		return "incomplete"
	default:
		return "fault"
	}
}

func asValidationError(err error) *ValidationError {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr
	}

	return nil
}
