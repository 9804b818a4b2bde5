package pb

import (
	"encoding/binary"
	"fmt"
)

const (
	// CheckpointSize is a static size. This is how many bytes each Checkpoint consumes when written to the disk.
	CheckpointSize = 0 + // Simply here to align the other items.
		8 + // Bound (uint64 - 8 bytes)
		8 + // Issued (uint64 - 8 bytes)
		8 + // SavedAt (int64 - 8 bytes)
		1 // ClockMode (uint8 - 1 byte)
)

type (
	// Checkpoint is a single record in the timestamp log. The oracle will never issue a timestamp that is less than or
	// equal to the Bound of the last checkpoint once it has been written.
	Checkpoint struct {
		// Bound is the upper end of the window of timestamps the oracle reserved.
		Bound uint64

		// Issued is the last timestamp that had been handed out when the checkpoint was taken.
		Issued uint64

		// SavedAt is the wall clock (unix nanoseconds) at the time the checkpoint was written.
		SavedAt int64

		// ClockMode is the options.ClockMode the oracle was running with.
		ClockMode uint8
	}
)

func (c *Checkpoint) MarshalEx(dst []byte) error {
	// If the provided bytes aren't long enough to hold the checkpoint then we can fail early.
	if len(dst) < CheckpointSize {
		return fmt.Errorf(
			"cannot marshal Checkpoint, buffer is too small. Need: %d Got: %d",
			CheckpointSize,
			len(dst),
		)
	}

	i := 0

	binary.BigEndian.PutUint64(dst[i:i+8], c.Bound)
	i += 8

	binary.BigEndian.PutUint64(dst[i:i+8], c.Issued)
	i += 8

	binary.BigEndian.PutUint64(dst[i:i+8], uint64(c.SavedAt))
	i += 8

	dst[i] = c.ClockMode

	return nil
}

func (c *Checkpoint) Marshal() []byte {
	buf := make([]byte, CheckpointSize)
	_ = c.MarshalEx(buf)
	return buf
}

func (c *Checkpoint) Unmarshal(src []byte) error {
	if len(src) < CheckpointSize {
		return fmt.Errorf(
			"cannot unmarshal Checkpoint, buffer is too small. Need: %d Got: %d",
			CheckpointSize,
			len(src),
		)
	}
	*c = Checkpoint{}

	i := 0

	c.Bound = binary.BigEndian.Uint64(src[i : i+8])
	i += 8

	c.Issued = binary.BigEndian.Uint64(src[i : i+8])
	i += 8

	c.SavedAt = int64(binary.BigEndian.Uint64(src[i : i+8]))
	i += 8

	c.ClockMode = src[i]

	return nil
}
