package txcoord

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/elliotcourant/txcoord/options"
	"github.com/elliotcourant/txcoord/pb"
	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
)

const (
	// timestampLogVersion is included in the timestamp log to indicate the version of the encoding that was used to
	// write it.
	timestampLogVersion = 0x01102026
)

var (
	// magicalText is used to prefix the timestamp log. It is used to verify that the file was created by the
	// coordinator and not by something else.
	magicalText = [4]byte{'!', 'T', 'x', 'c'}
)

var (
	// errBadMagic is returned when the timestamp log is missing the 4 byte prefix.
	errBadMagic = errors.New("timestamp log has bad magic")

	// ErrBadTimestampLogVersion is returned when the timestamp log was written with an encoding this version of the
	// coordinator cannot read.
	ErrBadTimestampLogVersion = errors.New("timestamp log has bad version")

	// ErrBadTimestampLogChecksum is returned when a checkpoint does not match its checksum. This is usually an
	// indication that the file is corrupted, and since the file is what keeps timestamps from going backwards we refuse
	// to guess.
	ErrBadTimestampLogChecksum = errors.New("timestamp log has bad checksum")
)

type (
	// timestampLog is the restart-safe record of the timestamps the oracle reserved. It consists of a header followed
	// by a sequence of checkpoints, the last checkpoint is the one that counts.
	timestampLog struct {
		file *os.File

		directory string

		// Once this many checkpoints have been appended the file is rewritten to only contain the latest one.
		rewriteThreshold int

		// Guards appends, which includes access to the checkpoints and last fields.
		appendLock sync.Mutex

		// checkpoints is the number of checkpoints in the file right now.
		checkpoints int

		last pb.Checkpoint

		sync bool

		inMemory bool
	}

	countingReader struct {
		wrapped *bufio.Reader
		count   int64
	}
)

// addCheckpoint appends a checkpoint to the file. A checkpoint is only considered written once the file has been
// synced (unless syncing is disabled), if this returns an error the oracle must not hand out timestamps above the
// previous checkpoint.
func (l *timestampLog) addCheckpoint(checkpoint pb.Checkpoint) error {
	l.appendLock.Lock()
	defer l.appendLock.Unlock()

	if l.inMemory {
		l.last = checkpoint
		return nil
	}

	if l.checkpoints >= l.rewriteThreshold || l.file == nil {
		return l.rewrite(checkpoint)
	}

	buf := frameCheckpoint(checkpoint)
	if _, err := l.file.Write(buf); err != nil {
		return errors.Wrap(err, "failed to append checkpoint to timestamp log")
	}

	if l.sync {
		if err := z.FileSync(l.file); err != nil {
			return errors.Wrap(err, "failed to sync timestamp log")
		}
	}

	l.last = checkpoint
	l.checkpoints++

	return nil
}

// rewrite completely rebuilds the file with checkpoint as its only entry, appendLock must be held to call this method.
// If the rewrite fails the log keeps its previous contents and the next checkpoint tries again.
func (l *timestampLog) rewrite(checkpoint pb.Checkpoint) error {
	// In Windows the files should be closed before doing a Rename.
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return err
		}
		l.file = nil
	}

	file, err := helpRewrite(l.directory, &checkpoint)
	if err != nil {
		if reopened, reopenErr := reopenTimestampLog(l.directory); reopenErr == nil {
			l.file = reopened
		}

		return errors.Wrap(err, "failed to rewrite timestamp log")
	}

	l.file = file
	l.last = checkpoint
	l.checkpoints = 1

	return nil
}

// reopenTimestampLog opens the existing log for appending.
func reopenTimestampLog(dir string) (*os.File, error) {
	file, err := z.OpenExistingFile(filepath.Join(dir, TimestampLogFilename), 0)
	if err != nil {
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, err
	}

	return file, nil
}

// close will simply close the file. But will gracefully handle whether or not the log is only kept in memory.
func (l *timestampLog) close() error {
	l.appendLock.Lock()
	defer l.appendLock.Unlock()

	if l.inMemory || l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil
	return err
}

// Read will read from the buffer into the provided byte slice. It will increment the count for the number of bytes
// read.
func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)

	return
}

// frameCheckpoint prefixes the encoded checkpoint with its length and checksum.
func frameCheckpoint(checkpoint pb.Checkpoint) []byte {
	data := checkpoint.Marshal()

	var lenCrcBuf [8]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], xxhash.Checksum32(data))

	return append(lenCrcBuf[:], data...)
}

// helpRewrite writes a fresh timestamp log to a temporary file and renames it over the real one. If checkpoint is nil
// the new file only contains the header.
func helpRewrite(dir string, checkpoint *pb.Checkpoint) (*os.File, error) {
	rewritePath := filepath.Join(dir, timestampLogRewriteFilename)

	// We don't need to enable sync here because we will explicitly be calling the sync method.
	file, err := z.OpenTruncFile(rewritePath, false)
	if err != nil {
		return nil, err
	}

	// The first 8 bytes are a special prefix to verify the file was created by this version of the coordinator.
	buf := make([]byte, 8)
	copy(buf[0:4], magicalText[:])
	binary.BigEndian.PutUint32(buf[4:8], timestampLogVersion)

	if checkpoint != nil {
		buf = append(buf, frameCheckpoint(*checkpoint)...)
	}

	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := z.FileSync(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	// In windows the files should be closed before doing a rename.
	if err = file.Close(); err != nil {
		return nil, err
	}

	logPath := filepath.Join(dir, TimestampLogFilename)

	if err := os.Rename(rewritePath, logPath); err != nil {
		return nil, err
	}

	file, err = reopenTimestampLog(dir)
	if err != nil {
		return nil, err
	}

	if err := syncDir(dir); err != nil {
		_ = file.Close()
		return nil, err
	}

	return file, nil
}

// ReplayTimestampLog reads every checkpoint in the file. It returns the checkpoint with the highest bound, the number
// of valid checkpoints and the offset right after the last valid checkpoint. A checkpoint that was cut off by a crash
// ends the replay, it is not an error.
func ReplayTimestampLog(file *os.File) (pb.Checkpoint, int, int64, error) {
	r := countingReader{
		wrapped: bufio.NewReader(file),
	}

	var magicalBuf [8]byte
	if _, err := io.ReadFull(&r, magicalBuf[:]); err != nil {
		return pb.Checkpoint{}, 0, 0, errors.Wrapf(errBadMagic, "could not read: %v", err)
	} else if !bytes.Equal(magicalBuf[0:4], magicalText[:]) {
		return pb.Checkpoint{}, 0, 0, errors.Wrap(errBadMagic, "missing magic prefix")
	}

	if version := binary.BigEndian.Uint32(magicalBuf[4:8]); version != timestampLogVersion {
		return pb.Checkpoint{}, 0, 0, ErrBadTimestampLogVersion
	}

	var best pb.Checkpoint
	count := 0
	var offset int64
	for {
		offset = r.count

		var lenCrcBuf [8]byte
		if _, err := io.ReadFull(&r, lenCrcBuf[:]); err != nil {
			// Either there is no more data or the last checkpoint was cut off, in both cases we are done.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return pb.Checkpoint{}, 0, 0, errors.Wrap(err, "failed to replay timestamp log")
		}

		length := binary.BigEndian.Uint32(lenCrcBuf[0:4])

		// Checkpoints have a static size, anything else means the file is not what we think it is.
		if length != pb.CheckpointSize {
			return pb.Checkpoint{}, 0, 0, errors.Errorf(
				"checkpoint length %d does not match expected size %d, timestamp log might be corrupted",
				length,
				pb.CheckpointSize,
			)
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(&r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return pb.Checkpoint{}, 0, 0, errors.Wrap(err, "failed to replay timestamp log")
		}

		if xxhash.Checksum32(buf) != binary.BigEndian.Uint32(lenCrcBuf[4:8]) {
			return pb.Checkpoint{}, 0, 0, ErrBadTimestampLogChecksum
		}

		var checkpoint pb.Checkpoint
		if err := checkpoint.Unmarshal(buf); err != nil {
			return pb.Checkpoint{}, 0, 0, errors.Wrap(err, "failed to unmarshal checkpoint")
		}

		if checkpoint.Bound >= best.Bound {
			best = checkpoint
		}
		count++
	}

	return best, count, offset, nil
}

// ReadTimestampLog opens the timestamp log in the directory read-only and returns its latest checkpoint. It does not
// take the directory lock, so it can be used while a manager is running.
func ReadTimestampLog(directory string) (pb.Checkpoint, error) {
	file, err := z.OpenExistingFile(filepath.Join(directory, TimestampLogFilename), z.ReadOnly)
	if err != nil {
		return pb.Checkpoint{}, errors.Wrap(err, "failed to open timestamp log")
	}
	defer file.Close()

	checkpoint, _, _, err := ReplayTimestampLog(file)
	return checkpoint, err
}

// openOrCreateTimestampLog opens the timestamp log if it exists, or creates one if it doesn't exist.
func openOrCreateTimestampLog(opts Options) (*timestampLog, pb.Checkpoint, error) {
	if opts.InMemory {
		return &timestampLog{inMemory: true}, pb.Checkpoint{}, nil
	}

	return helpOpenOrCreateTimestampLog(opts.Dir, opts.SyncMode == options.SyncOnWrite, opts.CheckpointRewriteThreshold)
}

func helpOpenOrCreateTimestampLog(directory string, sync bool, rewriteThreshold int) (
	*timestampLog,
	pb.Checkpoint,
	error,
) {
	if rewriteThreshold < 1 {
		rewriteThreshold = 1
	}

	path := filepath.Join(directory, TimestampLogFilename)
	file, err := z.OpenExistingFile(path, 0)

	// If the file exists but can't be opened there is a larger problem here, like a permission issue. If the file
	// does not exist then this is the first time the coordinator runs in this directory and we create it.
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, pb.Checkpoint{}, errors.Wrap(err, "failed to open existing timestamp log")
		}

		file, err := helpRewrite(directory, nil)
		if err != nil {
			return nil, pb.Checkpoint{}, errors.Wrap(err, "failed to write new timestamp log")
		}

		return &timestampLog{
			file:             file,
			directory:        directory,
			rewriteThreshold: rewriteThreshold,
			sync:             sync,
		}, pb.Checkpoint{}, nil
	}

	checkpoint, count, truncOffset, err := ReplayTimestampLog(file)
	if err != nil {
		_ = file.Close()
		return nil, pb.Checkpoint{}, err
	}

	// Truncate the file so we don't have a half-written checkpoint at the end.
	if err := file.Truncate(truncOffset); err != nil {
		_ = file.Close()
		return nil, pb.Checkpoint{}, err
	}

	if _, err = file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, pb.Checkpoint{}, err
	}

	return &timestampLog{
		file:             file,
		directory:        directory,
		rewriteThreshold: rewriteThreshold,
		checkpoints:      count,
		last:             checkpoint,
		sync:             sync,
	}, checkpoint, nil
}
