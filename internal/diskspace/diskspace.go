// Package diskspace reports free space of the file system that holds a path.
package diskspace

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrUnsupported is returned on platforms where free space cannot be queried.
var ErrUnsupported = errors.New("free space query is not supported on this platform")

// Free returns the number of bytes available to an unprivileged user
// on the file system containing path. If path does not exist yet, the
// nearest existing parent directory is used.
func Free(path string) (int64, error) {
	p, err := existingParent(path)
	if err != nil {
		return 0, err
	}
	return free(p)
}

func existingParent(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err = os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		p = parent
	}
}
