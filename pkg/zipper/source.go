package zipper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/eunmann/s3zip/pkg/blobstore"
)

// Source reads the full contents of an entry's source path.
type Source interface {
	Read(ctx context.Context, sourcePath string) ([]byte, error)
}

// LocalSource reads files from the local filesystem.
type LocalSource struct{}

func (LocalSource) Read(ctx context.Context, sourcePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(sourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", sourcePath, ErrNotFound)
	}
	if err != nil {
		return nil, ioError("read", sourcePath, err)
	}
	return data, nil
}

// StoreSource reads entries from a blob store by key.
type StoreSource struct {
	Store blobstore.Store
}

func (s StoreSource) Read(ctx context.Context, sourcePath string) ([]byte, error) {
	data, err := s.Store.Get(ctx, sourcePath)
	if err != nil {
		return nil, ioError("read", sourcePath, err)
	}
	return data, nil
}
