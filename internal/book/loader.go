package book

import (
	"context"
	"errors"
	"fmt"

	"github.com/taleforge/api/internal/model"
)

// ObjectReader is the slice of the storage client the loader needs.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

func ManifestKey(slug string) string {
	return fmt.Sprintf("templates/%s/manifest.json", slug)
}

type Loader struct {
	storage ObjectReader
}

func NewLoader(storage ObjectReader) *Loader {
	return &Loader{storage: storage}
}

// Load fetches and validates the manifest for slug.
func (l *Loader) Load(ctx context.Context, slug string) (*Manifest, error) {
	key := ManifestKey(slug)
	raw, err := l.storage.Get(ctx, key)
	if err != nil {
		var se *model.StorageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &model.StorageError{Op: "get", Key: key, Err: err}
	}
	return Parse(raw, slug)
}
