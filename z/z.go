package z

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	// This is O_DSYNC (datasync) on platforms that support it -- see file_unix.go
	dataSyncFileFlag = 0x0
)

const (
	// Sync indicates that O_DSYNC should be set on the underlying file,
	// ensuring that data writes do not return until the data is flushed
	// to disk.
	Sync = 1 << iota
	// ReadOnly opens the underlying file on a read-only basis.
	ReadOnly
)

type (
	// Closer is used to wait for a set of goroutines to finish shutting down.
	Closer struct {
		waiting sync.WaitGroup
	}
)

// NewCloser constructs a new Closer, with an initial count on the WaitGroup.
func NewCloser(initial int) *Closer {
	c := &Closer{}
	c.waiting.Add(initial)
	return c
}

// AddRunning adds delta to the WaitGroup.
func (c *Closer) AddRunning(delta int) {
	c.waiting.Add(delta)
}

// Done calls Done() on the WaitGroup.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Wait waits on the WaitGroup. (It waits for NewCloser's initial value, AddRunning, and Done calls to balance out.)
func (c *Closer) Wait() {
	c.waiting.Wait()
}

// OpenExistingFile opens an existing file, errors if it doesn't exist.
func OpenExistingFile(fileName string, flags uint32) (*os.File, error) {
	openFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		openFlags = os.O_RDONLY
	}

	if flags&Sync != 0 {
		openFlags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, openFlags, 0)
}

// OpenTruncFile opens the file with O_RDWR | O_CREATE | O_TRUNC
func OpenTruncFile(fileName string, sync bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if sync {
		flags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, flags, 0600)
}

// FileSync calls os.File.Sync with the right parameters. This function can be removed once we stop supporting Go 1.11
// on MacOS.
func FileSync(f *os.File) error {
	return f.Sync()
}

// AssertTrue asserts that b is true. Otherwise, it would panic.
func AssertTrue(b bool) {
	if !b {
		panic(errors.New("assert failed"))
	}
}

// AssertTruef is AssertTrue with extra info.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		panic(errors.Errorf(format, args...))
	}
}

// Wrapf wraps errors from external libs with extra info.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// U64ToBytes converts the given uint64 into its big endian representation.
func U64ToBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
