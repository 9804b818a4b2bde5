// Package resource describes the journals and index segments that hold the data of an index partition.
//
// A partition is read through a fused view: the resources of the partition ordered from the newest to the oldest. A
// read stops at the first resource that has an entry for the key, including a deleted entry. Only Live resources are
// part of the view, Dead resources are only kept around until nothing can read them anymore.
package resource

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Kind is the type of file that backs a resource.
type Kind uint8

const (
	// Journal is a mutable write-ahead journal.
	Journal Kind = iota
	// Segment is an immutable index segment.
	Segment
)

// State is the lifecycle state of a resource.
type State uint8

const (
	Live State = iota
	Dead
)

type (
	// Metadata identifies a single resource of a partition.
	Metadata struct {
		PartitionID uint32
		FileID      uint64
		Kind        Kind
		State       State

		// CreatedAt is the commit time at which the resource became part of the partition's view. Views are ordered by
		// it, newest first.
		CreatedAt uint64
	}

	// Key is the identity of a resource, independent of its state.
	Key struct {
		PartitionID uint32
		FileID      uint64
	}

	// Handle keeps track of how many transactions are still able to read a resource.
	Handle struct {
		Metadata

		references int32

		// RetiredAt is the timestamp at which the resource was marked Dead, zero while it is Live.
		RetiredAt uint64
	}

	// View is the fused view of a partition.
	View struct {
		PartitionID uint32
		resources   []Metadata
	}
)

func (k Kind) Extension() string {
	switch k {
	case Segment:
		return SegmentFileExtension
	default:
		return JournalFileExtension
	}
}

func (k Kind) String() string {
	switch k {
	case Journal:
		return "journal"
	case Segment:
		return "segment"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Key returns the identity of the resource.
func (m Metadata) Key() Key {
	return Key{PartitionID: m.PartitionID, FileID: m.FileID}
}

// FileName returns the base name of the file backing the resource.
func (m Metadata) FileName() string {
	return FileName(m.PartitionID, m.FileID, m.Kind)
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s(%s)", m.FileName(), m.State)
}

// NewHandle creates a handle for the resource without any references.
func NewHandle(metadata Metadata) *Handle {
	return &Handle{Metadata: metadata}
}

// IncrementReference bumps the reference count and returns the new count.
func (h *Handle) IncrementReference() int32 {
	return atomic.AddInt32(&h.references, 1)
}

// DecrementReference subtracts from the reference count and returns the new count. Once the count reaches 0 and the
// resource is Dead nothing can read it anymore.
func (h *Handle) DecrementReference() int32 {
	newReference := atomic.AddInt32(&h.references, -1)
	if newReference < 0 {
		panic(fmt.Sprintf("resource %s released more times than it was referenced", h.FileName()))
	}

	return newReference
}

// References returns the current reference count.
func (h *Handle) References() int32 {
	return atomic.LoadInt32(&h.references)
}

// NewView builds the fused view of a partition. The resources are ordered from the newest to the oldest by their
// CreatedAt timestamp, ties are broken by the higher FileID first.
func NewView(partitionId uint32, resources []Metadata) View {
	ordered := make([]Metadata, 0, len(resources))
	for _, r := range resources {
		if r.PartitionID == partitionId {
			ordered = append(ordered, r)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt > ordered[j].CreatedAt
		}

		return ordered[i].FileID > ordered[j].FileID
	})

	return View{
		PartitionID: partitionId,
		resources:   ordered,
	}
}

// Live returns the resources a read of the partition would scan, in scan order.
func (v View) Live() []Metadata {
	live := make([]Metadata, 0, len(v.resources))
	for _, r := range v.resources {
		if r.State == Live {
			live = append(live, r)
		}
	}

	return live
}

// All returns every resource of the view, including Dead ones, in scan order.
func (v View) All() []Metadata {
	return append([]Metadata(nil), v.resources...)
}
