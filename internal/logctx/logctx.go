// Package logctx carries a zerolog logger through context.Context so archive
// jobs can tag every log line with the job and destination they belong to.
//
//	ctx := logctx.WithLogger(ctx, base)
//	ctx = logctx.WithJob(ctx, "q1-report", "exports/q1.zip")
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("archive delivered")
package logctx

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

var fallback atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fallback.Store(&l)
}

// DefaultLogger returns the logger used for contexts that carry none.
func DefaultLogger() zerolog.Logger {
	return *fallback.Load()
}

// SetDefaultLogger replaces the fallback logger. Safe to call while other
// goroutines log.
func SetDefaultLogger(l zerolog.Logger) {
	fallback.Store(&l)
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context's logger, or the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return DefaultLogger()
}

// Update derives the context logger through fn.
func Update(ctx context.Context, fn func(zerolog.Context) zerolog.Context) context.Context {
	return WithLogger(ctx, fn(FromContext(ctx).With()).Logger())
}

// WithJob tags the logger with a job name and its destination.
func WithJob(ctx context.Context, name, destination string) context.Context {
	return Update(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("job", name).Str("destination", destination)
	})
}

// WithPhase tags the logger with the job phase (build, deliver).
func WithPhase(ctx context.Context, phase string) context.Context {
	return Update(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("phase", phase)
	})
}

// WithUpload tags the logger with a multipart upload's target and id.
func WithUpload(ctx context.Context, bucket, key, uploadID string) context.Context {
	return Update(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("bucket", bucket).Str("key", key).Str("upload_id", uploadID)
	})
}
