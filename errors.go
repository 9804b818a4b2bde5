package txcoord

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by every operation once the manager has started shutting down.
	ErrClosed = errors.New("transaction manager is closed")

	// ErrUnknownTransaction is returned when the start time does not identify a transaction the manager knows about.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrNotActive is returned when the transaction exists but is no longer Active, for example because it is already
	// being committed.
	ErrNotActive = errors.New("transaction is not active")

	// ErrTransactionCompleted is returned when the transaction already committed or aborted and has been removed from
	// the registry. It is only reported while the manager still remembers the transaction, after that the transaction
	// becomes unknown.
	ErrTransactionCompleted = errors.New("transaction already completed")

	// ErrInvalidOptions is wrapped by every error returned when Options fail validation.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrTimestampLogLocked is returned when another process holds the lock on the timestamp directory.
	ErrTimestampLogLocked = errors.New("timestamp directory is locked by another process")
)

type (
	// ValidationError is returned when a data service rejected the write set of the transaction because it conflicts
	// with a concurrently committed write set. The transaction is aborted, the caller may retry it from the start.
	ValidationError struct {
		StartTime Timestamp
		Node      string
		Reason    string
	}

	// NodeFaultError is returned when a data service could not be reached or failed unexpectedly while the transaction
	// was being committed.
	NodeFaultError struct {
		StartTime Timestamp
		Node      string
		Err       error
	}

	// IncompleteCommitError is returned when every data service prepared the transaction, the transaction is
	// committed, but some data services could not be told so. Those data services still hold the prepared write set.
	IncompleteCommitError struct {
		StartTime  Timestamp
		CommitTime Timestamp
		Nodes      []string
		Err        error
	}
)

// NewValidationError is a convenience for data service implementations to report a conflict.
func NewValidationError(startTime Timestamp, node, reason string) *ValidationError {
	return &ValidationError{
		StartTime: startTime,
		Node:      node,
		Reason:    reason,
	}
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("validation failed for tx %d on %s", e.StartTime, e.Node)
	}

	return fmt.Sprintf("validation failed for tx %d on %s: %s", e.StartTime, e.Node, e.Reason)
}

func (e *NodeFaultError) Error() string {
	return fmt.Sprintf("data service %s failed for tx %d: %v", e.Node, e.StartTime, e.Err)
}

func (e *NodeFaultError) Unwrap() error {
	return e.Err
}

func (e *IncompleteCommitError) Error() string {
	return fmt.Sprintf(
		"tx %d committed at %d but data services [%s] did not acknowledge: %v",
		e.StartTime, e.CommitTime, strings.Join(e.Nodes, ", "), e.Err,
	)
}

func (e *IncompleteCommitError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if the error was caused by misuse of the manager: an unknown transaction or a
// transaction that is not in the state the operation requires.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownTransaction) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrTransactionCompleted)
}

// IsConflict returns true if the transaction lost a race with another transaction and may be retried.
func IsConflict(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// IsFault returns true if a data service failed while the transaction was being committed.
func IsFault(err error) bool {
	var nodeFault *NodeFaultError
	var incomplete *IncompleteCommitError
	return errors.As(err, &nodeFault) || errors.As(err, &incomplete)
}

// IsClosed returns true if the operation failed because the manager is shutting down.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
