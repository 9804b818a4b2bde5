package txcoord

import (
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/dgryski/go-farm"
	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
)

type (
	// registry holds every transaction that has not completed yet, keyed by its start time. It is split into shards
	// that each have their own lock so that goroutines working on different transactions rarely contend.
	registry struct {
		shards []*registryShard
		mask   uint64

		// completed remembers the final state of recently completed transactions, so that an operation on one of them
		// can be told apart from an operation on a transaction that never existed. It may be nil.
		completed *ristretto.Cache

		// cacheLock keeps the completed cache from being used while it is closed.
		cacheLock sync.RWMutex
		closed    bool
	}

	registryShard struct {
		sync.RWMutex
		transactions map[Timestamp]*transaction
	}
)

func newRegistry(shards int, completedCacheSize int64) (*registry, error) {
	// Round up to a power of two so that the shard can be picked with a mask.
	count := 1
	for count < shards {
		count <<= 1
	}

	r := &registry{
		shards: make([]*registryShard, count),
		mask:   uint64(count - 1),
	}

	for i := range r.shards {
		r.shards[i] = &registryShard{
			transactions: map[Timestamp]*transaction{},
		}
	}

	if completedCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: completedCacheSize * 10,
			MaxCost:     completedCacheSize,
			BufferItems: 64,
			// Every entry costs 1, MaxCost is the number of transactions remembered.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create completed transaction cache")
		}
		r.completed = cache
	}

	return r, nil
}

func (r *registry) shard(startTime Timestamp) *registryShard {
	return r.shards[farm.Fingerprint64(z.U64ToBytes(uint64(startTime)))&r.mask]
}

// put registers a new transaction. Start times are unique so a transaction can never replace another one.
func (r *registry) put(tx *transaction) {
	s := r.shard(tx.startTime)
	s.Lock()
	defer s.Unlock()

	_, exists := s.transactions[tx.startTime]
	z.AssertTruef(!exists, "start time %d was issued twice", tx.startTime)
	s.transactions[tx.startTime] = tx
}

// get returns the transaction for the start time. If the transaction is not registered the error tells whether it
// recently completed or is unknown.
func (r *registry) get(startTime Timestamp) (*transaction, error) {
	s := r.shard(startTime)
	s.RLock()
	tx, ok := s.transactions[startTime]
	s.RUnlock()

	if ok {
		return tx, nil
	}

	if state, ok := r.completedState(startTime); ok {
		return nil, errors.Wrapf(ErrTransactionCompleted, "tx %d %s", startTime, state)
	}

	return nil, errors.Wrapf(ErrUnknownTransaction, "tx %d", startTime)
}

// remove takes the transaction out of the registry and remembers how it completed.
func (r *registry) remove(tx *transaction) {
	s := r.shard(tx.startTime)
	s.Lock()
	delete(s.transactions, tx.startTime)
	s.Unlock()

	r.cacheLock.RLock()
	defer r.cacheLock.RUnlock()

	if r.completed != nil && !r.closed {
		r.completed.Set(uint64(tx.startTime), tx.state(), 1)
	}
}

func (r *registry) completedState(startTime Timestamp) (RunState, bool) {
	r.cacheLock.RLock()
	defer r.cacheLock.RUnlock()

	if r.completed == nil || r.closed {
		return 0, false
	}

	value, ok := r.completed.Get(uint64(startTime))
	if !ok {
		return 0, false
	}

	state, ok := value.(RunState)
	return state, ok
}

// len returns the number of registered transactions. Shards are counted one after another so the result is only
// exact when nothing is registered or removed concurrently.
func (r *registry) len() int {
	total := 0
	for _, s := range r.shards {
		s.RLock()
		total += len(s.transactions)
		s.RUnlock()
	}

	return total
}

// each calls fn for every registered transaction.
func (r *registry) each(fn func(tx *transaction)) {
	for _, s := range r.shards {
		s.RLock()
		transactions := make([]*transaction, 0, len(s.transactions))
		for _, tx := range s.transactions {
			transactions = append(transactions, tx)
		}
		s.RUnlock()

		for _, tx := range transactions {
			fn(tx)
		}
	}
}

func (r *registry) close() {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()

	if r.completed != nil && !r.closed {
		r.closed = true
		r.completed.Close()
	}
}
