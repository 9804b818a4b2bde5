package txcoord

import (
	"sort"
	"sync"

	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord/resource"
	"github.com/google/btree"
)

const retentionBTreeDegree = 16

type (
	// retention decides when a partition resource that was retired can be deleted. A resource can be deleted once no
	// active transaction references it and every active transaction started after it was retired, since those could
	// never have seen it in their view.
	retention struct {
		sync.Mutex

		// active holds the start time of every transaction that has not completed yet, ordered.
		active *btree.BTree

		// pending holds a lower bound for every start time that is being issued right now, keyed by registration.
		pending     map[uint64]Timestamp
		nextPending uint64

		handles map[resource.Key]*resource.Handle
	}

	startTimeItem Timestamp
)

func (a startTimeItem) Less(than btree.Item) bool {
	return a < than.(startTimeItem)
}

func newRetention() *retention {
	return &retention{
		active:  btree.New(retentionBTreeDegree),
		pending: map[uint64]Timestamp{},
		handles: map[resource.Key]*resource.Handle{},
	}
}

// register issues a start time and records it as active. The start time is issued without holding the lock, until it
// is recorded collect treats floor()+1 as an active start time. floor must return a timestamp below any that issue
// will return.
func (r *retention) register(floor func() Timestamp, issue func() (Timestamp, error)) (Timestamp, error) {
	r.Lock()
	id := r.nextPending
	r.nextPending++
	r.pending[id] = floor() + 1
	r.Unlock()

	startTime, err := issue()

	r.Lock()
	defer r.Unlock()

	delete(r.pending, id)
	if err != nil {
		return 0, err
	}

	r.active.ReplaceOrInsert(startTimeItem(startTime))
	return startTime, nil
}

// pin adds a reference to every resource, resources that were not seen before are tracked from now on.
func (r *retention) pin(resources []resource.Metadata) {
	r.Lock()
	defer r.Unlock()

	for _, meta := range resources {
		r.handle(meta).IncrementReference()
	}
}

func (r *retention) handle(meta resource.Metadata) *resource.Handle {
	h, ok := r.handles[meta.Key()]
	if !ok {
		h = resource.NewHandle(meta)
		r.handles[meta.Key()] = h
	}

	return h
}

// complete forgets the start time and releases the references the transaction held.
func (r *retention) complete(startTime Timestamp, keys []resource.Key) {
	r.Lock()
	defer r.Unlock()

	r.active.Delete(startTimeItem(startTime))

	for _, key := range keys {
		h, ok := r.handles[key]
		if !ok {
			timber.Errorf("tx %d released untracked resource %d/%d", startTime, key.PartitionID, key.FileID)
			continue
		}

		h.DecrementReference()
	}
}

// retire marks the resource Dead at the given timestamp. Retiring a resource twice keeps the first timestamp.
func (r *retention) retire(meta resource.Metadata, retiredAt Timestamp) {
	r.Lock()
	defer r.Unlock()

	h := r.handle(meta)
	if h.State == resource.Dead {
		return
	}

	h.State = resource.Dead
	h.RetiredAt = uint64(retiredAt)
}

// earliest returns the oldest active start time.
func (r *retention) earliest() (Timestamp, bool) {
	r.Lock()
	defer r.Unlock()

	return r.earliestLocked()
}

func (r *retention) earliestLocked() (Timestamp, bool) {
	item := r.active.Min()
	if item == nil {
		return 0, false
	}

	return Timestamp(item.(startTimeItem)), true
}

// collect returns the resources that can be deleted and stops tracking them. Every resource is returned at most once.
func (r *retention) collect() []resource.Metadata {
	r.Lock()
	defer r.Unlock()

	earliest, anyActive := r.earliestLocked()
	for _, floor := range r.pending {
		if !anyActive || floor < earliest {
			earliest, anyActive = floor, true
		}
	}

	releasable := make([]resource.Metadata, 0)
	for key, h := range r.handles {
		if h.State != resource.Dead || h.References() > 0 {
			continue
		}

		if anyActive && Timestamp(h.RetiredAt) >= earliest {
			continue
		}

		releasable = append(releasable, h.Metadata)
		delete(r.handles, key)
	}

	sort.Slice(releasable, func(i, j int) bool {
		if releasable[i].PartitionID != releasable[j].PartitionID {
			return releasable[i].PartitionID < releasable[j].PartitionID
		}

		return releasable[i].FileID < releasable[j].FileID
	})

	return releasable
}
