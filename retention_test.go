package txcoord

import (
	"testing"
	"time"

	"github.com/elliotcourant/txcoord/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerAt(r *retention, ts Timestamp) (Timestamp, error) {
	return r.register(func() Timestamp {
		return ts - 1
	}, func() (Timestamp, error) {
		return ts, nil
	})
}

func TestRetention_Earliest(t *testing.T) {
	r := newRetention()

	_, ok := r.earliest()
	assert.False(t, ok)

	for _, ts := range []Timestamp{30, 10, 20} {
		_, err := registerAt(r, ts)
		require.NoError(t, err)
	}

	earliest, ok := r.earliest()
	assert.True(t, ok)
	assert.Equal(t, Timestamp(10), earliest)
	assert.Equal(t, 3, r.active.Len())

	r.complete(10, nil)
	earliest, _ = r.earliest()
	assert.Equal(t, Timestamp(20), earliest)
}

func TestRetention_Collect(t *testing.T) {
	r := newRetention()

	journal := resource.Metadata{PartitionID: 1, FileID: 1, Kind: resource.Journal}
	segment := resource.Metadata{PartitionID: 1, FileID: 2, Kind: resource.Segment}
	other := resource.Metadata{PartitionID: 2, FileID: 1, Kind: resource.Segment}

	// Nothing is released while it is live.
	r.pin([]resource.Metadata{journal})
	r.complete(0, []resource.Key{journal.Key()})
	assert.Empty(t, r.collect())

	_, err := registerAt(r, 100)
	require.NoError(t, err)
	r.pin([]resource.Metadata{segment})

	r.retire(journal, 50)
	r.retire(segment, 60)
	r.retire(other, 150)

	// The journal was retired before the oldest transaction started and nobody references it. The segment is still
	// pinned and the other segment could still be seen by the transaction that started at 100.
	released := r.collect()
	require.Len(t, released, 1)
	assert.Equal(t, journal.Key(), released[0].Key())
	assert.Equal(t, resource.Dead, r.handles[segment.Key()].State)

	// Nothing is released twice.
	assert.Empty(t, r.collect())

	r.complete(100, []resource.Key{segment.Key()})

	released = r.collect()
	require.Len(t, released, 2)
	assert.Equal(t, segment.Key(), released[0].Key())
	assert.Equal(t, other.Key(), released[1].Key())
	assert.Empty(t, r.handles)
}

func TestRetention_RetireTwice(t *testing.T) {
	r := newRetention()
	meta := resource.Metadata{PartitionID: 3, FileID: 9}

	r.retire(meta, 10)
	r.retire(meta, 20)
	assert.Equal(t, uint64(10), r.handles[meta.Key()].RetiredAt)
}

func TestRetention_PendingStart(t *testing.T) {
	r := newRetention()

	early := resource.Metadata{PartitionID: 1, FileID: 1}
	late := resource.Metadata{PartitionID: 1, FileID: 2}
	r.retire(early, 40)
	r.retire(late, 50)

	issuing := make(chan struct{})
	release := make(chan struct{})
	registered := make(chan Timestamp, 1)
	go func() {
		startTime, err := r.register(func() Timestamp {
			return 40
		}, func() (Timestamp, error) {
			close(issuing)
			<-release
			return 45, nil
		})
		assert.NoError(t, err)
		registered <- startTime
	}()
	<-issuing

	// The lock is not held while the start time is issued, and the start time that is about to be recorded still
	// holds back everything retired at or after the floor.
	released := r.collect()
	require.Len(t, released, 1)
	assert.Equal(t, early.Key(), released[0].Key())

	_, ok := r.earliest()
	assert.False(t, ok, "pending start times are not reported as active")

	close(release)
	select {
	case startTime := <-registered:
		assert.Equal(t, Timestamp(45), startTime)
	case <-time.After(time.Second):
		t.Fatal("register did not return")
	}

	assert.Empty(t, r.pending)
	assert.Empty(t, r.collect())

	r.complete(45, nil)
	released = r.collect()
	require.Len(t, released, 1)
	assert.Equal(t, late.Key(), released[0].Key())
}

func TestRetention_RegisterFailure(t *testing.T) {
	r := newRetention()

	_, err := r.register(func() Timestamp {
		return 10
	}, func() (Timestamp, error) {
		return 0, ErrClosed
	})
	assert.Equal(t, ErrClosed, err)
	assert.Empty(t, r.pending)

	_, ok := r.earliest()
	assert.False(t, ok)
}
