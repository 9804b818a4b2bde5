//go:build !windows
// +build !windows

package txcoord

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type (
	// directoryLockGuard holds a lock on a directory and a pid file inside. The pid file isn't part of the locking
	// mechanism, it's just advisory.
	directoryLockGuard struct {
		// File handle on the directory, which we've flocked.
		file *os.File

		// The absolute path to our pid file.
		path string
	}
)

// acquireDirectoryLock gets a lock on the directory (using flock). It will also write our pid to
// dirPath/pidFileName for convenience.
func acquireDirectoryLock(dirPath string, pidFileName string) (*directoryLockGuard, error) {
	// Convert to absolute path so that Release still works even if we do an unbalanced chdir in the meantime.
	absPidFilePath, err := filepath.Abs(filepath.Join(dirPath, pidFileName))
	if err != nil {
		return nil, errors.Wrap(err, "cannot get absolute path for pid lock file")
	}

	f, err := os.Open(dirPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open directory %q", dirPath)
	}

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrapf(ErrTimestampLogLocked, "directory %q", dirPath)
		}

		return nil, errors.Wrapf(err, "cannot acquire directory lock on %q", dirPath)
	}

	// Yes, we happily overwrite a pre-existing pid file. We're the only process using this directory.
	err = ioutil.WriteFile(absPidFilePath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0666)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "cannot write pid file %q", absPidFilePath)
	}

	return &directoryLockGuard{file: f, path: absPidFilePath}, nil
}

// release deletes the pid file and releases our lock on the directory.
func (guard *directoryLockGuard) release() error {
	err := os.Remove(guard.path)

	if closeErr := guard.file.Close(); err == nil {
		err = closeErr
	}

	guard.path = ""
	guard.file = nil

	return err
}

// openDir opens a directory for syncing.
func openDir(path string) (*os.File, error) {
	return os.Open(path)
}

// When you create or delete a file, you have to ensure the directory entry for the file is synced
// in order to guarantee the file is visible (if the system crashes). (See the man page for fsync,
// or see https://github.com/coreos/etcd/issues/6368 for an example.)
func syncDir(dir string) error {
	f, err := openDir(dir)
	if err != nil {
		return errors.Wrapf(err, "While opening directory: %s.", dir)
	}
	err = z.FileSync(f)
	closeErr := f.Close()
	if err != nil {
		return errors.Wrapf(err, "While syncing directory: %s.", dir)
	}
	return errors.Wrapf(closeErr, "While closing directory: %s.", dir)
}
