package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/humanfmt"
)

// DefaultCopyBufferSize bounds each chunk a StreamSink copies.
const DefaultCopyBufferSize = 32 * 1024

var copyBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultCopyBufferSize)
		return &b
	},
}

// StreamSink copies the archive unchanged to W.
type StreamSink struct {
	W io.Writer
	// BufferSize overrides DefaultCopyBufferSize when positive.
	BufferSize int
}

func (s *StreamSink) Deliver(ctx context.Context, src io.Reader) (*Result, error) {
	start := time.Now()

	var buf []byte
	if s.BufferSize > 0 && s.BufferSize != DefaultCopyBufferSize {
		buf = make([]byte, s.BufferSize)
	} else {
		bp := copyBufferPool.Get().(*[]byte)
		defer copyBufferPool.Put(bp)
		buf = *bp
	}

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := s.W.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("write to destination: %w", err)
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read archive: %w", rerr)
		}
	}

	res := &Result{Bytes: written, Duration: time.Since(start)}
	log := logctx.FromContext(ctx)
	log.Info().
		Str("bytes", humanfmt.Bytes(written)).
		Str("throughput", humanfmt.Throughput(written, res.Duration)).
		Msg("archive copied to stream")
	return res, nil
}
