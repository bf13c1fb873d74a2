package starmap

import (
	"fmt"
	"os"
	"path/filepath"
)

// SharedBuffer is a named read-only byte buffer shared with pool workers
// through the filesystem shared-memory directory. Sharing is a pure
// optimization; correctness never depends on it.
type SharedBuffer struct {
	Name string
	Path string
	Size int64
}

// CreateShared publishes data under a deterministic name derived from the
// calc id. The buffer is unlinked at Shutdown.
func (sm *Starmap) CreateShared(name string, data []byte) (*SharedBuffer, error) {
	path := sharedPath(sm.calcID, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("create shared buffer %s: %w", name, err)
	}
	buf := &SharedBuffer{Name: name, Path: path, Size: int64(len(data))}
	sm.shared = append(sm.shared, buf)
	return buf, nil
}

// OpenShared reads a shared buffer published by the dispatcher of calcID.
// Workers call this; they never write.
func OpenShared(calcID, name string) ([]byte, error) {
	data, err := os.ReadFile(sharedPath(calcID, name))
	if err != nil {
		return nil, fmt.Errorf("open shared buffer %s: %w", name, err)
	}
	return data, nil
}

// Unlink removes the buffer. Idempotent.
func (b *SharedBuffer) Unlink() error {
	err := os.Remove(b.Path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func sharedPath(calcID, name string) string {
	dir := "/dev/shm"
	if _, err := os.Stat(dir); err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("starmap-%s-%s", calcID, name))
}
