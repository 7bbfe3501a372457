package secretstore

import (
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
)

// FileStore keeps each secret in its own 0600 file under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. An empty dir means
// ~/.uplink-secrets.
func NewFileStore(dir string) FileStore {
	return FileStore{dir: dir}
}

func (f FileStore) path(name string) string {
	if f.dir != "" {
		return filepath.Join(f.dir, name)
	}
	u, _ := user.Current()
	return filepath.Join(u.HomeDir, ".uplink-secrets", name)
}

func (f FileStore) Put(n string, d []byte) error {
	path := f.path(n)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, d, 0600)
}

func (f FileStore) Get(n string) ([]byte, error) {
	d, err := os.ReadFile(f.path(n))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return d, err
}

func (f FileStore) Delete(n string) error { return os.Remove(f.path(n)) }
