package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/humanfmt"
)

// CompletedPart identifies an uploaded part.
type CompletedPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Uploader is a multipart object-storage protocol. Objects become visible
// only after CompleteUpload. The body passed to UploadPart is reused once the
// call returns.
type Uploader interface {
	CreateUpload(ctx context.Context, bucket, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte) (CompletedPart, error)
	CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortUpload(ctx context.Context, bucket, key, uploadID string) error
	// MinPartSize is the smallest size allowed for every part but the last.
	MinPartSize() int64
}

// UploadSession is one in-flight multipart upload.
type UploadSession struct {
	Bucket   string
	Key      string
	UploadID string
	Parts    []CompletedPart

	uploader Uploader
}

func (s *UploadSession) upload(ctx context.Context, body []byte) error {
	n := int32(len(s.Parts) + 1)
	part, err := s.uploader.UploadPart(ctx, s.Bucket, s.Key, s.UploadID, n, body)
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w: %w", n, s.Key, ErrUpload, err)
	}
	s.Parts = append(s.Parts, part)
	return nil
}

func (s *UploadSession) abort(ctx context.Context, cause error) error {
	// Abort even when ctx was cancelled so no parts are left behind.
	if err := s.uploader.AbortUpload(context.WithoutCancel(ctx), s.Bucket, s.Key, s.UploadID); err != nil {
		return errors.Join(cause, fmt.Errorf("abort upload %s: %w", s.UploadID, err))
	}
	return cause
}

// MultipartSink uploads the archive to Bucket/Key in sequential parts.
type MultipartSink struct {
	Uploader Uploader
	Bucket   string
	Key      string
	// PartSize is raised to Uploader.MinPartSize when smaller.
	PartSize int64
}

func (s *MultipartSink) partSize() int64 {
	floor := s.Uploader.MinPartSize()
	if s.PartSize < floor {
		return floor
	}
	return s.PartSize
}

// Deliver reads src in parts and uploads them in order. Any failure aborts
// the session, leaving nothing at the destination.
func (s *MultipartSink) Deliver(ctx context.Context, src io.Reader) (*Result, error) {
	start := time.Now()

	uploadID, err := s.Uploader.CreateUpload(ctx, s.Bucket, s.Key)
	if err != nil {
		return nil, fmt.Errorf("create upload %s: %w: %w", s.Key, ErrUpload, err)
	}
	ctx = logctx.WithUpload(ctx, s.Bucket, s.Key, uploadID)
	log := logctx.FromContext(ctx)
	session := &UploadSession{Bucket: s.Bucket, Key: s.Key, UploadID: uploadID, uploader: s.Uploader}

	buf := make([]byte, s.partSize())
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, session.abort(ctx, err)
		}
		n, rerr := io.ReadFull(src, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil, session.abort(ctx, fmt.Errorf("read archive: %w", rerr))
		}
		done := rerr != nil
		// An empty source still needs one (empty) part.
		if n > 0 || len(session.Parts) == 0 {
			if err := session.upload(ctx, buf[:n]); err != nil {
				log.Error().Err(err).Int("part", len(session.Parts)+1).Msg("part upload failed, aborting")
				return nil, session.abort(ctx, err)
			}
			total += int64(n)
			log.Debug().Int("part", len(session.Parts)).Int("size", n).Msg("part uploaded")
		}
		if done {
			break
		}
	}

	if err := s.Uploader.CompleteUpload(ctx, s.Bucket, s.Key, uploadID, session.Parts); err != nil {
		return nil, session.abort(ctx, fmt.Errorf("complete upload %s: %w: %w", s.Key, ErrUpload, err))
	}

	res := &Result{
		Key:      s.Key,
		Bytes:    total,
		Parts:    len(session.Parts),
		Duration: time.Since(start),
	}
	log.Info().
		Int("parts", res.Parts).
		Str("bytes", humanfmt.Bytes(total)).
		Str("throughput", humanfmt.Throughput(total, res.Duration)).
		Msg("multipart upload completed")
	return res, nil
}
