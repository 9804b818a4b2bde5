package resource

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"path"
	"path/filepath"
	"strings"

	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

const (
	JournalFileExtension = ".jnl"
	SegmentFileExtension = ".seg"
	FileNameLength       = 24
)

// ParseFileName reads the file name into a partitionId, fileId and the kind of resource the file holds. If the file
// name could not be parsed then this method will return false.
func ParseFileName(name string) (partitionId uint32, fileId uint64, kind Kind, ok bool) {
	name = path.Base(name)

	switch {
	case strings.HasSuffix(name, JournalFileExtension):
		kind = Journal
		name = strings.TrimSuffix(name, JournalFileExtension)
	case strings.HasSuffix(name, SegmentFileExtension):
		kind = Segment
		name = strings.TrimSuffix(name, SegmentFileExtension)
	default:
		// Not a journal or a segment, so it's not a resource file.
		return
	}

	if len(name) != FileNameLength {
		return
	}

	// Resource file names are hexadecimal, and consist of a 4 byte uint32 and an 8 byte uint64. The first 8 characters
	// are the partition and the next 16 characters are the file ID.
	var partitionIdSegment, fileIdSegment []byte
	var err error

	if partitionIdSegment, err = hex.DecodeString(name[0:8]); err != nil {
		timber.Warningf("could not decode partitionId for resource file %s: %v", name, err)
		return
	}

	if fileIdSegment, err = hex.DecodeString(name[8:24]); err != nil {
		timber.Warningf("could not decode fileId for resource file %s: %v", name, err)
		return
	}

	return binary.BigEndian.Uint32(partitionIdSegment), binary.BigEndian.Uint64(fileIdSegment), kind, true
}

// FileName returns the base name of the file that holds the resource.
func FileName(partitionId uint32, fileId uint64, kind Kind) string {
	return fmt.Sprintf("%08X%016X%s", partitionId, fileId, kind.Extension())
}

// NewFilename combines the directory with the resource's file name to make a path.
func NewFilename(partitionId uint32, fileId uint64, kind Kind, directory string) string {
	return filepath.Join(directory, FileName(partitionId, fileId, kind))
}

// ScanDirectory reads every resource file in the directory and groups them by partition. Files that are not resource
// files are ignored. Every resource found is reported as Live, the directory does not know which resources have been
// retired.
func ScanDirectory(directory string) (map[uint32][]Metadata, error) {
	fileInfoList, err := ioutil.ReadDir(directory)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read resource directory %q", directory)
	}

	partitions := map[uint32][]Metadata{}
	for _, info := range fileInfoList {
		if info.IsDir() {
			continue
		}

		partitionId, fileId, kind, ok := ParseFileName(info.Name())
		if !ok {
			continue
		}

		partitions[partitionId] = append(partitions[partitionId], Metadata{
			PartitionID: partitionId,
			FileID:      fileId,
			Kind:        kind,
			State:       Live,
		})
	}

	return partitions, nil
}
