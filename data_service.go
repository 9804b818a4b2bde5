package txcoord

import (
	"context"
)

type (
	// DataService is a storage node that holds part of the write set of a transaction. The write set is kept on the
	// node under the start time of the transaction so it is never passed to the coordinator.
	DataService interface {
		// Prepare validates the write set of the transaction against the commit time and holds it until it is
		// committed or aborted. It returns nil when the node is ready to commit, a *ValidationError when the write set
		// conflicts, and any other error when the node failed.
		Prepare(ctx context.Context, startTime, commitTime Timestamp) error

		// CommitPrepared makes a prepared write set visible.
		CommitPrepared(ctx context.Context, startTime Timestamp) error

		// Commit validates and commits the write set in a single step. It is used when the transaction only wrote on
		// this node. Errors are reported the same way as by Prepare.
		Commit(ctx context.Context, startTime, commitTime Timestamp) error

		// Abort discards the write set, prepared or not.
		Abort(ctx context.Context, startTime Timestamp) error
	}

	// Resolver finds the data service behind a node locator.
	Resolver interface {
		Resolve(locator string) (DataService, error)
	}

	// ResolverFunc adapts a function to the Resolver interface.
	ResolverFunc func(locator string) (DataService, error)
)

func (f ResolverFunc) Resolve(locator string) (DataService, error) {
	return f(locator)
}
