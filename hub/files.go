package hub

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WriteFileAtomic writes filePath with the content produced by write.
//
// Content goes first to filePath+".tmp", which is then atomically moved to filePath: readers
// either see the previous version of the file or the complete new one.
//
// It uses filePath+".lock" to coordinate multiple processes (or goroutines) writing the same file.
func WriteFileAtomic(filePath string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lockPath := filePath + ".lock"
	var mainErr error
	errLock := ExecOnFileLock(lockPath, func() {
		var tmpFileClosed bool
		tmpPath := filePath + ".tmp"
		tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFileCreationPerm)
		if err != nil {
			mainErr = errors.Wrapf(err, "creating temporary file %q", tmpPath)
			return
		}
		defer func() {
			// On error, make sure to close and remove the unfinished temporary file.
			if !tmpFileClosed {
				if err := tmpFile.Close(); err != nil {
					klog.Warningf("Failed closing temporary file %q: %v", tmpPath, err)
				}
				if err := os.Remove(tmpPath); err != nil {
					klog.Warningf("Failed removing temporary file %q: %v", tmpPath, err)
				}
			}
		}()

		if mainErr = write(tmpFile); mainErr != nil {
			mainErr = errors.WithMessagef(mainErr, "while writing %q", tmpPath)
			return
		}
		if err := tmpFile.Sync(); err != nil {
			mainErr = errors.Wrapf(err, "failed to sync %q", tmpPath)
			return
		}

		tmpFileClosed = true
		if err := tmpFile.Close(); err != nil {
			mainErr = errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
			_ = os.Remove(tmpPath)
			return
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
			_ = os.Remove(tmpPath)
			return
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to write %q", lockPath, filePath)
	}
	return nil
}

// ExecOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes the function.
// If the lockPath is already locked, it polls with a 1 to 2 seconds period (randomly), until it acquires the lock.
//
// The lockPath is not removed.
func ExecOnFileLock(lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		pollSleep()
	}

	// Unlock even if `fn()` panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()

	fn()
	return
}

// WaitForFile blocks until filePath exists, polling with a 1 to 2 seconds period. A timeout <= 0
// waits forever.
func WaitForFile(filePath string, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for !fileExists(filePath) {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errors.Errorf("timed out after %s waiting for %q", timeout, filePath)
		}
		pollSleep()
	}
	return nil
}

// pollSleep waits from 1 to 2 seconds.
var pollSleep = func() {
	time.Sleep(time.Millisecond * time.Duration(1000+rand.Intn(1000)))
}
