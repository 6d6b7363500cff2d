package zipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/blobstore"
	"github.com/eunmann/s3zip/pkg/humanfmt"
)

// Builder adds entries to archives. A Builder is stateless between archives
// and may be shared; each Archive must be driven by a single goroutine.
type Builder struct {
	source   Source
	resolver Resolver
	selector CompressionSelector
	level    int
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithCompressionSelector overrides the default selector, which assumes
// per-entry compression methods are supported.
func WithCompressionSelector(s CompressionSelector) Option {
	return func(b *Builder) { b.selector = s }
}

// WithDeflateLevel sets the flate level used for deflated entries.
func WithDeflateLevel(level int) Option {
	return func(b *Builder) { b.level = level }
}

// WithClock sets the modification time source for entry headers.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a builder reading entries through source and expanding
// trees with resolver.
func NewBuilder(source Source, resolver Resolver, opts ...Option) *Builder {
	b := &Builder{
		source:   source,
		resolver: resolver,
		selector: NewCompressionSelector(true),
		level:    flate.DefaultCompression,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewLocalBuilder creates a builder over the local filesystem.
func NewLocalBuilder(opts ...Option) *Builder {
	return NewBuilder(LocalSource{}, LocalResolver{}, opts...)
}

// NewStoreBuilder creates a builder over a blob store.
func NewStoreBuilder(store blobstore.Store, opts ...Option) *Builder {
	return NewBuilder(StoreSource{Store: store}, StoreResolver{Store: store}, opts...)
}

// Archive is an in-progress ZIP file at a destination path.
type Archive struct {
	key     string
	path    string
	file    *os.File
	zw      *zip.Writer
	entries []ArchiveEntry
	index   map[string]struct{}
	bytes   int64

	closed      bool
	finalizeErr error
	// err poisons the archive after a failed add.
	err error
}

// Open creates (or truncates) the archive file at destinationKey.
func (b *Builder) Open(destinationKey string) (*Archive, error) {
	if dir := filepath.Dir(destinationKey); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioError("create archive dir", dir, err)
		}
	}
	f, err := os.OpenFile(destinationKey, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioError("create archive", destinationKey, err)
	}

	zw := zip.NewWriter(f)
	level := b.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	return &Archive{
		key:   destinationKey,
		path:  f.Name(),
		file:  f,
		zw:    zw,
		index: make(map[string]struct{}),
	}, nil
}

// AddEntry reads sourcePath and writes it under archivePath. It reports
// whether the entry was written; false with a nil error means the conflict
// policy skipped it. Any failure aborts the archive.
func (b *Builder) AddEntry(ctx context.Context, a *Archive, sourcePath, archivePath string, mode CompressionMode, conflict ConflictMode) (bool, error) {
	if err := a.usable(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, a.abort(err)
	}

	archivePath = NormalizeArchivePath(archivePath)
	if archivePath == "" {
		return false, fmt.Errorf("add %s: %w", sourcePath, ErrInvalidPath)
	}

	log := logctx.FromContext(ctx)
	if ShouldSkip(a.index, archivePath, conflict) {
		log.Debug().Str("archive_path", archivePath).Msg("entry exists, skipping")
		return false, nil
	}

	data, err := b.source.Read(ctx, sourcePath)
	if err != nil {
		return false, a.abort(err)
	}

	codec := b.selector.Select(mode)
	if err := a.write(archivePath, codec, data, b.now()); err != nil {
		return false, a.abort(ioError("write entry", archivePath, err))
	}

	a.index[archivePath] = struct{}{}
	a.entries = append(a.entries, ArchiveEntry{
		SourcePath:  sourcePath,
		ArchivePath: archivePath,
		Codec:       codec,
		Size:        int64(len(data)),
	})
	a.bytes += int64(len(data))

	log.Debug().
		Str("archive_path", archivePath).
		Str("codec", codec.String()).
		Int("size", len(data)).
		Msg("entry added")
	return true, nil
}

// AddUncompressed adds sourcePath under archivePath with the store codec,
// overwriting on conflict.
func (b *Builder) AddUncompressed(ctx context.Context, a *Archive, sourcePath, archivePath string) (bool, error) {
	return b.AddEntry(ctx, a, sourcePath, archivePath, ModeStore, ConflictOverwrite)
}

// AddFromRoot adds the file at root/localPath under the archive path
// localPath, so the root itself is not part of the archive tree.
func (b *Builder) AddFromRoot(ctx context.Context, a *Archive, root, localPath string, mode CompressionMode, conflict ConflictMode) (bool, error) {
	return b.AddEntry(ctx, a, filepath.Join(root, filepath.FromSlash(localPath)), localPath, mode, conflict)
}

// TreeStats summarizes an AddTree call.
type TreeStats struct {
	Added   int
	Skipped int
	Bytes   int64
}

// AddTree adds every entry the resolver yields for root, in resolver order.
// It stops at the first failure.
func (b *Builder) AddTree(ctx context.Context, a *Archive, root string, mode CompressionMode, conflict ConflictMode) (TreeStats, error) {
	var stats TreeStats
	if err := a.usable(); err != nil {
		return stats, err
	}

	start := time.Now()
	for ref, err := range b.resolver.Resolve(ctx, root) {
		if err != nil {
			return stats, a.abort(err)
		}
		added, err := b.AddEntry(ctx, a, ref.SourcePath, ref.ArchivePath, mode, conflict)
		if err != nil {
			return stats, err
		}
		if !added {
			stats.Skipped++
			continue
		}
		stats.Added++
		stats.Bytes += a.entries[len(a.entries)-1].Size
	}

	elapsed := time.Since(start)
	log := logctx.FromContext(ctx)
	log.Info().
		Str("root", root).
		Int("added", stats.Added).
		Int("skipped", stats.Skipped).
		Str("bytes", humanfmt.Bytes(stats.Bytes)).
		Str("elapsed", humanfmt.Duration(elapsed)).
		Msg("tree added")
	return stats, nil
}

// Finalize closes the archive for writes and flushes the central directory.
// Calling it again returns the first call's result. An aborted archive is
// removed from disk.
func (b *Builder) Finalize(a *Archive) (string, error) {
	return a.finalize()
}

func (a *Archive) finalize() (string, error) {
	if a.closed {
		return a.key, a.finalizeErr
	}
	a.closed = true

	if a.err != nil {
		a.file.Close()
		os.Remove(a.path)
		a.finalizeErr = fmt.Errorf("finalize %s: %w", a.key, ErrAborted)
		return a.key, a.finalizeErr
	}

	// A half-written central directory is unusable, so every failure below
	// removes the file.
	fail := func(op string, err error) (string, error) {
		a.file.Close()
		os.Remove(a.path)
		a.finalizeErr = ioError(op, a.key, err)
		return a.key, a.finalizeErr
	}
	if err := a.zw.Close(); err != nil {
		return fail("close archive", err)
	}
	if err := a.file.Sync(); err != nil {
		return fail("sync archive", err)
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.path)
		a.finalizeErr = ioError("close archive", a.key, err)
		return a.key, a.finalizeErr
	}
	return a.key, nil
}

func (a *Archive) write(name string, codec Codec, data []byte, modified time.Time) error {
	var (
		w   io.Writer
		err error
	)
	switch codec {
	case CodecDefault:
		w, err = a.zw.Create(name)
	case CodecStore:
		w, err = a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modified})
	default:
		w, err = a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (a *Archive) usable() error {
	if a.closed {
		return fmt.Errorf("%s: %w", a.key, ErrClosed)
	}
	if a.err != nil {
		return fmt.Errorf("%s: %w", a.key, ErrAborted)
	}
	return nil
}

func (a *Archive) abort(err error) error {
	if a.err == nil {
		a.err = err
	}
	return err
}

// Key returns the destination key the archive was opened at.
func (a *Archive) Key() string {
	return a.key
}

// Path returns the archive's location on disk.
func (a *Archive) Path() string {
	return a.path
}

// Closed reports whether Finalize has been called.
func (a *Archive) Closed() bool {
	return a.closed
}

// Err returns the failure that aborted the archive, if any.
func (a *Archive) Err() error {
	return a.err
}

// Entries returns the committed entries in the order they were added.
func (a *Archive) Entries() []ArchiveEntry {
	out := make([]ArchiveEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Size returns the total uncompressed bytes of the committed entries.
func (a *Archive) Size() int64 {
	return a.bytes
}

// Discard finalizes the archive if needed and removes it from disk. A
// finalize failure is logged; the file is removed either way.
func (a *Archive) Discard(ctx context.Context) error {
	wasClosed := a.closed
	if _, err := a.finalize(); err != nil && !wasClosed && !errors.Is(err, ErrAborted) {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).Str("archive", a.key).Msg("finalize before discard failed")
	}
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError("remove archive", a.key, err)
	}
	return nil
}
