// Package delivery hands a finalized archive to its destination, either by
// copying it to a stream or by a sequential multipart upload.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eunmann/s3zip/pkg/zipper"
)

var (
	// ErrUpload indicates a failed multipart upload. The session was aborted.
	ErrUpload = errors.New("delivery: upload failed")
	// ErrNotFinalized is returned for archives that are still open or aborted.
	ErrNotFinalized = errors.New("delivery: archive not finalized")
)

// Result describes a completed delivery.
type Result struct {
	// Key is the destination object key, empty for stream sinks.
	Key      string
	Bytes    int64
	Parts    int
	Duration time.Duration
}

// Sink consumes a finalized archive's bytes.
type Sink interface {
	Deliver(ctx context.Context, src io.Reader) (*Result, error)
}

// DeliverFile delivers the file at path to sink.
func DeliverFile(ctx context.Context, sink Sink, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()
	return sink.Deliver(ctx, f)
}

// DeliverArchive delivers a finalized archive. Open or aborted archives are
// refused.
func DeliverArchive(ctx context.Context, sink Sink, a *zipper.Archive) (*Result, error) {
	if !a.Closed() || a.Err() != nil {
		return nil, fmt.Errorf("deliver %s: %w", a.Key(), ErrNotFinalized)
	}
	return DeliverFile(ctx, sink, a.Path())
}
