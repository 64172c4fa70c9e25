// Package archive stores batches of records as versioned JSON bundles.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Storage is where bundles are kept.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

type Bundle[T any] struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Records   []T       `json:"records"`
}

type Archive[T any] struct {
	storage Storage
	prefix  string
	version string
	now     func() time.Time
}

func New[T any](storage Storage, prefix, version string) *Archive[T] {
	return &Archive[T]{storage: storage, prefix: prefix, version: version, now: time.Now}
}

// Write stores records as a new bundle and returns its name. Names sort in
// creation order.
func (a *Archive[T]) Write(ctx context.Context, records []T) (string, error) {
	b := Bundle[T]{Version: a.version, CreatedAt: a.now().UTC(), Records: records}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	name := fmt.Sprintf("%s%s.json", a.prefix, b.CreatedAt.Format("20060102T150405.000000000Z"))
	if err := a.storage.Save(ctx, name, bytes.NewReader(raw)); err != nil {
		return "", err
	}
	return name, nil
}

func (a *Archive[T]) Read(ctx context.Context, name string) (Bundle[T], error) {
	var b Bundle[T]
	r, err := a.storage.Load(ctx, name)
	if err != nil {
		return b, err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return b, fmt.Errorf("decode bundle %s: %w", name, err)
	}
	return b, nil
}

func (a *Archive[T]) List(ctx context.Context) ([]string, error) {
	return a.storage.List(ctx, a.prefix)
}

// Prune deletes all but the newest keep bundles.
func (a *Archive[T]) Prune(ctx context.Context, keep int) (int, error) {
	names, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}
	stale := names[:len(names)-keep]
	for _, name := range stale {
		if err := a.storage.Delete(ctx, name); err != nil {
			return 0, fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return len(stale), nil
}
