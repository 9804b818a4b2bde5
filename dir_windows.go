//go:build windows
// +build windows

package txcoord

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type (
	// directoryLockGuard holds the pid file open exclusively, Windows refuses to open it a second time.
	directoryLockGuard struct {
		file *os.File
		path string
	}
)

func acquireDirectoryLock(dirPath string, pidFileName string) (*directoryLockGuard, error) {
	absLockFilePath, err := filepath.Abs(filepath.Join(dirPath, pidFileName))
	if err != nil {
		return nil, errors.Wrap(err, "cannot get absolute path for pid lock file")
	}

	f, err := os.OpenFile(absLockFilePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrTimestampLogLocked, "directory %q", dirPath)
		}

		return nil, errors.Wrapf(err, "cannot create lock file %q", absLockFilePath)
	}

	if _, err = fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "cannot write pid file %q", absLockFilePath)
	}

	return &directoryLockGuard{file: f, path: absLockFilePath}, nil
}

func (g *directoryLockGuard) release() error {
	var err error
	if closeErr := g.file.Close(); closeErr != nil {
		err = closeErr
	}

	if removeErr := os.Remove(g.path); err == nil {
		err = removeErr
	}

	g.file = nil
	g.path = ""

	return err
}

// Windows doesn't support syncing directories to the file system.
func syncDir(dir string) error { return nil }
