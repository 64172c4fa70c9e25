package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStorage keeps archives as files in one directory.
type FileStorage struct {
	basePath string
}

func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FileStorage{basePath: basePath}, nil
}

// Save writes through a temporary file so readers never see a partial
// archive.
func (fs *FileStorage) Save(_ context.Context, name string, data io.Reader) error {
	tmp, err := os.CreateTemp(fs.basePath, ".tmp-"+name)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write archive %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write archive %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(fs.basePath, name))
}

func (fs *FileStorage) Load(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(fs.basePath, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", name, err)
	}
	return f, nil
}

// List returns archive names with the prefix, oldest first.
func (fs *FileStorage) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileStorage) Delete(_ context.Context, name string) error {
	return os.Remove(filepath.Join(fs.basePath, filepath.Base(name)))
}
