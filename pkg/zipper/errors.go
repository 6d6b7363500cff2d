package zipper

import (
	"errors"
	"fmt"

	"github.com/eunmann/s3zip/pkg/blobstore"
)

var (
	// ErrNotFound indicates a missing root or source file.
	ErrNotFound = blobstore.ErrNotFound
	// ErrIO indicates a read, write or create failure.
	ErrIO = errors.New("zipper: i/o failure")
	// ErrClosed is returned by operations on a finalized archive.
	ErrClosed = errors.New("zipper: archive is closed")
	// ErrAborted is returned once an earlier failure has invalidated an archive.
	ErrAborted = errors.New("zipper: archive build aborted")
	// ErrInvalidPath indicates an archive path that is empty after normalization.
	ErrInvalidPath = errors.New("zipper: invalid archive path")
)

// ioError tags err with ErrIO unless it already carries a taxonomy sentinel.
func ioError(op, path string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIO) {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, path, ErrIO, err)
}
