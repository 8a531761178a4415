package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrFleetLocked means another process is already driving this fleet's keys.
var ErrFleetLocked = errors.New("fleet is already running")

// AcquireFleetLock takes stateDir/fleet.lock without blocking. The caller
// releases it with Unlock.
func AcquireFleetLock(stateDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, "fleet.lock")
	lk := flock.New(path)
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock held on %s)", ErrFleetLocked, path)
	}
	return lk, nil
}
