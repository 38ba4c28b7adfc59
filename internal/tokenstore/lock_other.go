//go:build !unix

package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// lockFile only ensures the directory exists; there is no cross-process
// lock on this platform, so the token file must have a single writer.
func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return func() {}, nil
}
