//go:build unix

package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive flock on path, creating it if needed.
// The returned func releases the lock.
func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 -- path derives from configured storage path
	if err != nil {
		return nil, fmt.Errorf("failed to open token lock: %w", err)
	}

	fd := int(fh.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("failed to lock token file: %w", err)
	}

	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = fh.Close()
	}, nil
}
