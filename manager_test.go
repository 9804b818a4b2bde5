package txcoord

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/elliotcourant/txcoord/resource"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	opPrepare        = "prepare"
	opCommitPrepared = "commit-prepared"
	opCommit         = "commit"
	opAbort          = "abort"
)

type (
	nodeCall struct {
		op         string
		startTime  Timestamp
		commitTime Timestamp
	}

	// fakeNode is a data service that records every call and answers with whatever the test told it to.
	fakeNode struct {
		name    string
		cluster *fakeCluster

		sync.Mutex
		calls []nodeCall

		prepare        func(ctx context.Context, startTime Timestamp) error
		commit         func(ctx context.Context, startTime Timestamp) error
		commitPrepared func(ctx context.Context, startTime Timestamp, attempt int) error
		abort          func(ctx context.Context, startTime Timestamp) error
	}

	fakeCluster struct {
		sync.Mutex
		nodes map[string]*fakeNode

		// commitTimes are the commit times of every single-phase commit and prepare, in the order they were received.
		commitTimes []Timestamp
	}
)

func newFakeCluster(names ...string) *fakeCluster {
	c := &fakeCluster{
		nodes: map[string]*fakeNode{},
	}
	for _, name := range names {
		c.nodes[name] = &fakeNode{name: name, cluster: c}
	}
	return c
}

func (c *fakeCluster) Resolve(locator string) (DataService, error) {
	c.Lock()
	defer c.Unlock()

	node, ok := c.nodes[locator]
	if !ok {
		return nil, errors.Errorf("no such node %s", locator)
	}
	return node, nil
}

func (c *fakeCluster) node(name string) *fakeNode {
	c.Lock()
	defer c.Unlock()
	return c.nodes[name]
}

func (c *fakeCluster) observedCommitTimes() []Timestamp {
	c.Lock()
	defer c.Unlock()
	return append([]Timestamp(nil), c.commitTimes...)
}

func (c *fakeCluster) observe(commitTime Timestamp) {
	c.Lock()
	defer c.Unlock()
	c.commitTimes = append(c.commitTimes, commitTime)
}

func (n *fakeNode) record(op string, startTime, commitTime Timestamp) int {
	n.Lock()
	defer n.Unlock()
	n.calls = append(n.calls, nodeCall{op: op, startTime: startTime, commitTime: commitTime})

	count := 0
	for _, call := range n.calls {
		if call.op == op && call.startTime == startTime {
			count++
		}
	}
	return count
}

// ops returns the operations the node received for the transaction, in order.
func (n *fakeNode) ops(startTime Timestamp) []string {
	n.Lock()
	defer n.Unlock()

	ops := make([]string, 0, len(n.calls))
	for _, call := range n.calls {
		if call.startTime == startTime {
			ops = append(ops, call.op)
		}
	}
	return ops
}

func (n *fakeNode) Prepare(ctx context.Context, startTime, commitTime Timestamp) error {
	n.record(opPrepare, startTime, commitTime)
	n.cluster.observe(commitTime)
	if n.prepare != nil {
		return n.prepare(ctx, startTime)
	}
	return nil
}

func (n *fakeNode) CommitPrepared(ctx context.Context, startTime Timestamp) error {
	attempt := n.record(opCommitPrepared, startTime, 0)
	if n.commitPrepared != nil {
		return n.commitPrepared(ctx, startTime, attempt)
	}
	return nil
}

func (n *fakeNode) Commit(ctx context.Context, startTime, commitTime Timestamp) error {
	n.record(opCommit, startTime, commitTime)
	n.cluster.observe(commitTime)
	if n.commit != nil {
		return n.commit(ctx, startTime)
	}
	return nil
}

func (n *fakeNode) Abort(ctx context.Context, startTime Timestamp) error {
	n.record(opAbort, startTime, 0)
	if n.abort != nil {
		return n.abort(ctx, startTime)
	}
	return nil
}

func conflictOn(node string) func(ctx context.Context, startTime Timestamp) error {
	return func(ctx context.Context, startTime Timestamp) error {
		return NewValidationError(startTime, node, "write-write conflict")
	}
}

func failWith(err error) func(ctx context.Context, startTime Timestamp) error {
	return func(ctx context.Context, startTime Timestamp) error {
		return err
	}
}

func openTestManager(t *testing.T, cluster *fakeCluster, configure ...func(Options) Options) *Manager {
	opts := DefaultOptions("").
		WithInMemory(true).
		WithResolver(ResolverFunc(cluster.Resolve)).
		WithCommitRetry(2, time.Millisecond).
		WithAbortTimeout(time.Second)
	for _, fn := range configure {
		opts = fn(opts)
	}

	m, err := Open(opts)
	require.NoError(t, err)
	return m
}

func startWriting(t *testing.T, m *Manager, nodes ...string) Timestamp {
	startTime, err := m.Start(ReadWrite)
	require.NoError(t, err)
	for _, node := range nodes {
		require.True(t, m.Activate(startTime, node))
	}
	return startTime
}

func TestManager_TrivialCommit(t *testing.T) {
	m := openTestManager(t, newFakeCluster())
	defer m.Shutdown()

	startTime, err := m.Start(ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Counters().Active)

	commitTime, err := m.Commit(startTime)
	require.NoError(t, err)
	assert.True(t, commitTime >= startTime)
	assert.Equal(t, 0, m.registry.len())

	counters := m.Counters()
	assert.Equal(t, 0, counters.Active)
	assert.Equal(t, uint64(1), counters.Started)
	assert.Equal(t, uint64(1), counters.Committed)
	assert.Equal(t, commitTime, counters.LastTimestamp)

	// The transaction is remembered as completed for a while.
	m.registry.completed.Wait()
	_, err = m.Commit(startTime)
	assert.True(t, errors.Is(err, ErrTransactionCompleted))
	assert.True(t, IsProtocolError(err))
}

func TestManager_CommitUnknown(t *testing.T) {
	m := openTestManager(t, newFakeCluster())
	defer m.Shutdown()

	before := m.Counters().LastTimestamp

	commitTime, err := m.Commit(12345)
	assert.Equal(t, Timestamp(0), commitTime)
	assert.True(t, errors.Is(err, ErrUnknownTransaction))
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, before, m.Counters().LastTimestamp, "no commit time may be allocated")

	assert.True(t, IsProtocolError(m.Abort(12345)))
	assert.True(t, IsProtocolError(m.Reference(12345)))
}

func TestManager_ActivateNotActive(t *testing.T) {
	m := openTestManager(t, newFakeCluster("a"))
	defer m.Shutdown()

	assert.False(t, m.Activate(999, "a"))

	committed := startWriting(t, m)
	_, err := m.Commit(committed)
	require.NoError(t, err)
	assert.False(t, m.Activate(committed, "a"))

	aborted := startWriting(t, m)
	require.NoError(t, m.Abort(aborted))
	assert.False(t, m.Activate(aborted, "a"))

	readOnly, err := m.Start(ReadCommitted)
	require.NoError(t, err)
	assert.False(t, m.Activate(readOnly, "a"))

	// Activating the same node twice only adds it once.
	startTime := startWriting(t, m, "a", "a")
	tx, err := m.registry.get(startTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tx.writeSet())
}

func TestManager_SinglePhase(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		cluster := newFakeCluster("a", "b")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a")
		commitTime, err := m.Commit(startTime)
		require.NoError(t, err)
		assert.True(t, commitTime > startTime)

		assert.Equal(t, []string{opCommit}, cluster.node("a").ops(startTime))
		assert.Empty(t, cluster.node("b").ops(startTime))
		assert.Equal(t, []Timestamp{commitTime}, cluster.observedCommitTimes())
	})

	t.Run("conflict", func(t *testing.T) {
		cluster := newFakeCluster("a")
		cluster.node("a").commit = conflictOn("a")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a")
		commitTime, err := m.Commit(startTime)
		assert.Equal(t, Timestamp(0), commitTime)
		require.True(t, IsConflict(err))

		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "a", validationErr.Node)

		assert.Equal(t, []string{opCommit}, cluster.node("a").ops(startTime))
		m.registry.completed.Wait()
		state, ok := m.registry.completedState(startTime)
		assert.True(t, ok)
		assert.Equal(t, Aborted, state)

		counters := m.Counters()
		assert.Equal(t, uint64(1), counters.Aborted)
		assert.Equal(t, uint64(1), counters.Conflicts)
		assert.Equal(t, 0, counters.Active)
	})

	t.Run("fault", func(t *testing.T) {
		cluster := newFakeCluster("a")
		cluster.node("a").commit = failWith(errors.New("disk on fire"))
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a")
		_, err := m.Commit(startTime)
		require.True(t, IsFault(err))
		assert.False(t, IsConflict(err))

		var fault *NodeFaultError
		require.True(t, errors.As(err, &fault))
		assert.Equal(t, "a", fault.Node)

		// The node is asked to drop the write set.
		assert.Equal(t, []string{opCommit, opAbort}, cluster.node("a").ops(startTime))
		assert.Equal(t, uint64(1), m.Counters().Faults)
	})

	t.Run("unresolvable", func(t *testing.T) {
		m := openTestManager(t, newFakeCluster())
		defer m.Shutdown()

		startTime := startWriting(t, m, "nowhere")
		_, err := m.Commit(startTime)
		assert.True(t, IsFault(err))
		assert.Equal(t, 0, m.Counters().Active)
	})
}

func TestManager_MultiPhase(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		cluster := newFakeCluster("a", "b", "c")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b", "c")
		commitTime, err := m.Commit(startTime)
		require.NoError(t, err)

		for _, name := range []string{"a", "b", "c"} {
			node := cluster.node(name)
			assert.Equal(t, []string{opPrepare, opCommitPrepared}, node.ops(startTime), name)
			assert.Equal(t, commitTime, node.calls[0].commitTime)
		}
		assert.Equal(t, uint64(1), m.Counters().Committed)
	})

	t.Run("conflict aborts prepared nodes", func(t *testing.T) {
		cluster := newFakeCluster("a", "b")
		cluster.node("b").prepare = conflictOn("b")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b")
		_, err := m.Commit(startTime)
		require.True(t, IsConflict(err))

		// a acknowledged the prepare and must have been told to abort before Commit returned.
		assert.Equal(t, []string{opPrepare, opAbort}, cluster.node("a").ops(startTime))
		assert.Equal(t, []string{opPrepare, opAbort}, cluster.node("b").ops(startTime))

		counters := m.Counters()
		assert.Equal(t, uint64(1), counters.Aborted)
		assert.Equal(t, uint64(1), counters.Conflicts)
	})

	t.Run("conflict wins over fault", func(t *testing.T) {
		cluster := newFakeCluster("a", "b", "c")
		cluster.node("a").prepare = failWith(errors.New("timeout"))
		cluster.node("c").prepare = conflictOn("c")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b", "c")
		_, err := m.Commit(startTime)
		assert.True(t, IsConflict(err))
		for _, name := range []string{"a", "b", "c"} {
			assert.Contains(t, cluster.node(name).ops(startTime), opAbort, name)
			assert.NotContains(t, cluster.node(name).ops(startTime), opCommitPrepared, name)
		}
	})

	t.Run("fault", func(t *testing.T) {
		cluster := newFakeCluster("a", "b")
		cluster.node("b").prepare = failWith(errors.New("unreachable"))
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b")
		_, err := m.Commit(startTime)
		var fault *NodeFaultError
		require.True(t, errors.As(err, &fault))
		assert.Equal(t, "b", fault.Node)
		assert.Equal(t, []string{opPrepare, opAbort}, cluster.node("a").ops(startTime))
	})

	t.Run("unresolvable", func(t *testing.T) {
		cluster := newFakeCluster("a")
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "nowhere")
		_, err := m.Commit(startTime)
		assert.True(t, IsFault(err))
		assert.Equal(t, []string{opAbort}, cluster.node("a").ops(startTime))
	})

	t.Run("commit retried", func(t *testing.T) {
		cluster := newFakeCluster("a", "b")
		cluster.node("b").commitPrepared = func(ctx context.Context, startTime Timestamp, attempt int) error {
			if attempt < 2 {
				return errors.New("flaky")
			}
			return nil
		}
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b")
		_, err := m.Commit(startTime)
		require.NoError(t, err)
		assert.Equal(t, []string{opPrepare, opCommitPrepared, opCommitPrepared}, cluster.node("b").ops(startTime))
	})

	t.Run("incomplete commit", func(t *testing.T) {
		cluster := newFakeCluster("a", "b")
		cluster.node("b").commitPrepared = func(ctx context.Context, startTime Timestamp, attempt int) error {
			return errors.New("gone")
		}
		m := openTestManager(t, cluster)
		defer m.Shutdown()

		startTime := startWriting(t, m, "a", "b")
		commitTime, err := m.Commit(startTime)
		require.True(t, IsFault(err))
		assert.True(t, commitTime > startTime, "the transaction committed")

		var incomplete *IncompleteCommitError
		require.True(t, errors.As(err, &incomplete))
		assert.Equal(t, []string{"b"}, incomplete.Nodes)
		assert.Equal(t, commitTime, incomplete.CommitTime)

		// One attempt plus two retries.
		assert.Equal(t, []string{opPrepare, opCommitPrepared, opCommitPrepared, opCommitPrepared},
			cluster.node("b").ops(startTime))

		counters := m.Counters()
		assert.Equal(t, uint64(1), counters.Committed)
		assert.Equal(t, uint64(1), counters.Faults)
	})
}

func TestManager_FailedCommitConsumesTimestamp(t *testing.T) {
	cluster := newFakeCluster("a")
	cluster.node("a").commit = conflictOn("a")
	m := openTestManager(t, cluster)
	defer m.Shutdown()

	startTime := startWriting(t, m, "a")
	_, err := m.Commit(startTime)
	require.True(t, IsConflict(err))

	observed := cluster.observedCommitTimes()
	require.Len(t, observed, 1)
	assert.True(t, observed[0] > startTime)

	next, err := m.NextTimestamp()
	require.NoError(t, err)
	assert.True(t, next > observed[0], "the failed commit used up its commit time")
}

func TestManager_Abort(t *testing.T) {
	cluster := newFakeCluster("a", "b")
	m := openTestManager(t, cluster)

	startTime := startWriting(t, m, "a", "b")
	require.NoError(t, m.Abort(startTime))

	// The transaction is no longer Active as soon as Abort returns.
	_, err := m.Commit(startTime)
	assert.True(t, IsProtocolError(err))
	assert.True(t, IsProtocolError(m.Abort(startTime)))

	// Shutdown waits for the nodes to be told.
	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{opAbort}, cluster.node("a").ops(startTime))
	assert.Equal(t, []string{opAbort}, cluster.node("b").ops(startTime))

	counters := m.Counters()
	assert.Equal(t, uint64(1), counters.Aborted)
	assert.Equal(t, uint64(0), counters.Conflicts)
	assert.Equal(t, 0, counters.Active)
}

func TestManager_ConcurrentTransactions(t *testing.T) {
	nodes := []string{"a", "b", "c", "d"}
	cluster := newFakeCluster(nodes...)
	m := openTestManager(t, cluster)
	defer m.Shutdown()

	const count = 1000

	startTimes := make([]Timestamp, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			startTime, err := m.Start(ReadWrite)
			if assert.NoError(t, err) {
				startTimes[i] = startTime
			}
		}(i)
	}
	wg.Wait()

	commitTimes := make([]Timestamp, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			startTime := startTimes[i]
			if i%5 != 0 {
				assert.True(t, m.Activate(startTime, nodes[i%len(nodes)]))
			}
			commitTime, err := m.Commit(startTime)
			if assert.NoError(t, err) {
				commitTimes[i] = commitTime
			}
		}(i)
	}
	wg.Wait()

	seen := map[Timestamp]struct{}{}
	for _, startTime := range startTimes {
		seen[startTime] = struct{}{}
	}
	assert.Len(t, seen, count, "start times must be unique")

	for i, commitTime := range commitTimes {
		assert.True(t, commitTime > startTimes[i])
		_, duplicate := seen[commitTime]
		assert.False(t, duplicate, "timestamp %d handed out twice", commitTime)
		seen[commitTime] = struct{}{}
	}

	// Commit times were taken in the order the serializer ran the commits.
	observed := cluster.observedCommitTimes()
	assert.Len(t, observed, count-count/5)
	for i := 1; i < len(observed); i++ {
		assert.True(t, observed[i] > observed[i-1])
	}

	counters := m.Counters()
	assert.Equal(t, uint64(count), counters.Started)
	assert.Equal(t, uint64(count), counters.Committed)
	assert.Equal(t, 0, counters.Active)
}

func TestManager_Shutdown(t *testing.T) {
	cluster := newFakeCluster("a")
	release := make(chan struct{})
	cluster.node("a").commit = func(ctx context.Context, startTime Timestamp) error {
		<-release
		return nil
	}
	m := openTestManager(t, cluster)

	first := startWriting(t, m, "a")
	second := startWriting(t, m, "a")
	idle := startWriting(t, m)

	results := make(chan error, 2)
	go func() {
		_, err := m.Commit(first)
		results <- err
	}()
	require.Eventually(t, func() bool {
		return len(cluster.node("a").ops(first)) == 1
	}, time.Second, time.Millisecond)

	go func() {
		_, err := m.Commit(second)
		results <- err
	}()
	require.Eventually(t, func() bool {
		return m.serializer.queued() == 1
	}, time.Second, time.Millisecond)

	shutdown := make(chan error)
	go func() {
		shutdown <- m.Shutdown()
	}()
	require.Eventually(t, func() bool {
		return !m.IsOpen()
	}, time.Second, time.Millisecond)

	_, err := m.Start(ReadWrite)
	assert.True(t, IsClosed(err))
	_, err = m.Commit(idle)
	assert.True(t, IsClosed(err))
	assert.True(t, IsClosed(m.Abort(idle)))
	_, err = m.NextTimestamp()
	assert.True(t, IsClosed(err))
	assert.False(t, m.Activate(idle, "a"))

	// Commits queued before the shutdown still complete.
	close(release)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)
	assert.NoError(t, <-shutdown)
	assert.Equal(t, uint64(2), m.Counters().Committed)

	// Shutting down again is a no-op.
	assert.NoError(t, m.Shutdown())
}

func TestManager_ShutdownNow(t *testing.T) {
	cluster := newFakeCluster("a")
	cluster.node("a").commit = func(ctx context.Context, startTime Timestamp) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := openTestManager(t, cluster)

	first := startWriting(t, m, "a")
	second := startWriting(t, m, "a")

	firstResult := make(chan error, 1)
	go func() {
		_, err := m.Commit(first)
		firstResult <- err
	}()
	require.Eventually(t, func() bool {
		return len(cluster.node("a").ops(first)) == 1
	}, time.Second, time.Millisecond)

	secondResult := make(chan error, 1)
	go func() {
		_, err := m.Commit(second)
		secondResult <- err
	}()
	require.Eventually(t, func() bool {
		return m.serializer.queued() == 1
	}, time.Second, time.Millisecond)

	// The abort is queued behind the second commit.
	victim := startWriting(t, m, "a")
	require.NoError(t, m.Abort(victim))
	require.Equal(t, 2, m.serializer.queued())

	require.NoError(t, m.ShutdownNow())

	// The running commit saw its context cancelled, the queued one never ran.
	assert.True(t, IsFault(<-firstResult))
	assert.True(t, IsClosed(<-secondResult))
	assert.Equal(t, []string{opCommit, opAbort}, cluster.node("a").ops(first))
	assert.Empty(t, cluster.node("a").ops(second))

	// The dropped abort still completed the transaction.
	assert.Empty(t, cluster.node("a").ops(victim))
	assert.Equal(t, 0, m.registry.len())
	_, ok := m.EarliestActive()
	assert.False(t, ok)

	counters := m.Counters()
	assert.Equal(t, 0, counters.Active)
	assert.Equal(t, uint64(3), counters.Started)
	assert.Equal(t, uint64(3), counters.Aborted)
}

func TestManager_AbortWithFullQueue(t *testing.T) {
	cluster := newFakeCluster("a", "b")
	release := make(chan struct{})
	cluster.node("a").commit = func(ctx context.Context, startTime Timestamp) error {
		<-release
		return nil
	}
	m := openTestManager(t, cluster, func(opts Options) Options {
		return opts.WithSerializerQueueSize(1)
	})
	defer m.Shutdown()

	running := startWriting(t, m, "a")
	queued := startWriting(t, m, "a")
	victim := startWriting(t, m, "b")

	results := make(chan error, 2)
	go func() {
		_, err := m.Commit(running)
		results <- err
	}()
	require.Eventually(t, func() bool {
		return len(cluster.node("a").ops(running)) == 1
	}, time.Second, time.Millisecond)

	go func() {
		_, err := m.Commit(queued)
		results <- err
	}()
	require.Eventually(t, func() bool {
		return m.serializer.queued() == 1
	}, time.Second, time.Millisecond)

	aborted := make(chan error, 1)
	go func() {
		aborted <- m.Abort(victim)
	}()

	select {
	case err := <-aborted:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		close(release)
		t.Fatal("abort waited for the serializer queue")
	}

	tx, err := m.registry.get(victim)
	require.NoError(t, err)
	assert.Equal(t, Aborted, tx.state())

	close(release)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)

	require.Eventually(t, func() bool {
		ops := cluster.node("b").ops(victim)
		return len(ops) == 1 && ops[0] == opAbort
	}, time.Second, time.Millisecond)

	counters := m.Counters()
	assert.Equal(t, uint64(2), counters.Committed)
	assert.Equal(t, uint64(1), counters.Aborted)
	assert.Equal(t, 0, counters.Active)
}

func TestManager_Retention(t *testing.T) {
	m := openTestManager(t, newFakeCluster())
	defer m.Shutdown()

	segment := resource.Metadata{PartitionID: 7, FileID: 1, Kind: resource.Segment}

	reader, err := m.Start(ReadOnly)
	require.NoError(t, err)
	require.NoError(t, m.Reference(reader, segment))

	later, err := m.Start(ReadOnly)
	require.NoError(t, err)

	earliest, ok := m.EarliestActive()
	require.True(t, ok)
	assert.Equal(t, reader, earliest)

	retiredAt, err := m.NextTimestamp()
	require.NoError(t, err)
	require.NoError(t, m.RetireResource(segment, retiredAt))

	// Still pinned by the reader.
	assert.Empty(t, m.CollectReleasable())

	_, err = m.Commit(reader)
	require.NoError(t, err)
	assert.True(t, IsProtocolError(m.Reference(reader, segment)))

	// Unpinned, and the only other transaction started before it was retired.
	assert.Empty(t, m.CollectReleasable())

	require.NoError(t, m.Abort(later))
	require.NoError(t, m.Shutdown())

	released := m.CollectReleasable()
	require.Len(t, released, 1)
	assert.Equal(t, segment.Key(), released[0].Key())
	assert.Equal(t, resource.Dead, released[0].State)

	_, ok = m.EarliestActive()
	assert.False(t, ok)
	assert.True(t, IsClosed(m.RetireResource(segment, retiredAt)))
}

func TestManager_Persistent(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)

	m, err := Open(DefaultOptions(dir))
	require.NoError(t, err)

	// The directory is locked while the manager is open.
	_, err = Open(DefaultOptions(dir))
	assert.True(t, errors.Is(err, ErrTimestampLogLocked))

	var last Timestamp
	for i := 0; i < 5; i++ {
		last, err = m.Start(ReadWrite)
		require.NoError(t, err)
	}
	require.NoError(t, m.Shutdown())

	// Reopen with a clock that went back an hour.
	clock := newTestClock(time.Now().Add(-time.Hour), time.Millisecond)
	m, err = Open(DefaultOptions(dir).WithClock(clock.Now))
	require.NoError(t, err)
	defer m.Shutdown()

	startTime, err := m.Start(ReadWrite)
	require.NoError(t, err)
	assert.True(t, startTime > last, fmt.Sprintf("%d must be after %d", startTime, last))
}

func TestOpen_InvalidOptions(t *testing.T) {
	_, err := Open(DefaultOptions(""))
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}
