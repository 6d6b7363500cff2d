// Package job runs the end-to-end archive pipeline: resolve the source
// tree, build the archive into a work file, finalize it, deliver it and
// remove the work file.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/blobstore"
	"github.com/eunmann/s3zip/pkg/delivery"
	"github.com/eunmann/s3zip/pkg/fileutil"
	"github.com/eunmann/s3zip/pkg/logging"
	"github.com/eunmann/s3zip/pkg/zipper"
)

var (
	// ErrInvalidJob is returned for jobs with a missing name, source or
	// destination.
	ErrInvalidJob = errors.New("job: invalid job")
	// ErrDuplicateDestination is returned by RunBatch when two jobs share a
	// destination or a name.
	ErrDuplicateDestination = errors.New("job: duplicate destination")
)

// Source names where entries come from. Exactly one of LocalDir or Store
// must be set.
type Source struct {
	LocalDir string
	Store    blobstore.Store
	// Prefix is the folder inside Store.
	Prefix string
}

func (s Source) root() string {
	if s.Store != nil {
		return s.Prefix
	}
	return s.LocalDir
}

// DestinationKind selects the delivery sink.
type DestinationKind int

const (
	// DestFile copies the archive to a local path with tmp+rename.
	DestFile DestinationKind = iota
	// DestStream copies the archive to Writer.
	DestStream
	// DestS3 uploads the archive with a multipart upload.
	DestS3
)

// Destination describes where a finished archive goes.
type Destination struct {
	Kind DestinationKind
	// Path is the output file for DestFile.
	Path string
	// Writer receives the archive for DestStream.
	Writer io.Writer
	// Uploader, Bucket and Key address the object for DestS3. An empty Key
	// defaults to the job name with the archive extension.
	Uploader delivery.Uploader
	Bucket   string
	Key      string
	PartSize int64
}

// ID identifies the destination for duplicate detection.
func (d Destination) ID() string {
	switch d.Kind {
	case DestFile:
		if abs, err := filepath.Abs(d.Path); err == nil {
			return "file:" + abs
		}
		return "file:" + d.Path
	case DestStream:
		return "stream"
	default:
		return "s3://" + d.Bucket + "/" + d.Key
	}
}

// Job is one archive to build and deliver.
type Job struct {
	Name        string
	Source      Source
	Destination Destination
	Compression zipper.CompressionMode
	Conflict    zipper.ConflictMode
}

// Report summarizes a finished job.
type Report struct {
	Name         string
	Destination  string
	Entries      int
	Skipped      int
	Bytes        int64
	ArchiveBytes int64
	Parts        int
	Duration     time.Duration
}

// Runner executes jobs. Work files live in WorkDir.
type Runner struct {
	WorkDir string
	Options []zipper.Option
}

// NewRunner creates a runner with work files under workDir, defaulting to
// a directory in the system temp dir.
func NewRunner(workDir string, opts ...zipper.Option) *Runner {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "s3zip")
	}
	return &Runner{WorkDir: workDir, Options: opts}
}

func (j *Job) normalize() error {
	if j.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidJob)
	}
	hasLocal, hasStore := j.Source.LocalDir != "", j.Source.Store != nil
	if hasLocal == hasStore {
		return fmt.Errorf("%w: %s: exactly one of local dir or store is required", ErrInvalidJob, j.Name)
	}
	d := &j.Destination
	switch d.Kind {
	case DestFile:
		if d.Path == "" {
			return fmt.Errorf("%w: %s: missing output path", ErrInvalidJob, j.Name)
		}
	case DestStream:
		if d.Writer == nil {
			return fmt.Errorf("%w: %s: missing writer", ErrInvalidJob, j.Name)
		}
	case DestS3:
		if d.Uploader == nil || d.Bucket == "" {
			return fmt.Errorf("%w: %s: missing uploader or bucket", ErrInvalidJob, j.Name)
		}
		if d.Key == "" {
			d.Key = zipper.ArchiveKey(j.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown destination kind %d", ErrInvalidJob, j.Name, d.Kind)
	}
	return nil
}

// Run builds and delivers one job. The work file is removed whether or not
// the job succeeds.
func (r *Runner) Run(ctx context.Context, j Job) (*Report, error) {
	if err := j.normalize(); err != nil {
		return nil, err
	}
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j Job) (*Report, error) {
	start := time.Now()
	ctx = logctx.WithJob(ctx, j.Name, j.Destination.ID())
	log := logctx.FromContext(ctx)

	var b *zipper.Builder
	if j.Source.Store != nil {
		b = zipper.NewStoreBuilder(j.Source.Store, r.Options...)
	} else {
		b = zipper.NewLocalBuilder(r.Options...)
	}

	workPath, err := fileutil.NewWorkFile(r.WorkDir, zipper.ArchiveKey(j.Name))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}
	a, err := b.Open(workPath)
	if err != nil {
		os.Remove(workPath)
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}
	defer func() {
		if err := a.Discard(ctx); err != nil {
			log.Warn().Err(err).Str("work_file", workPath).Msg("failed to remove work file")
		}
	}()

	phaseStart := time.Now()
	buildCtx := logctx.WithPhase(ctx, "build")
	stats, err := b.AddTree(buildCtx, a, j.Source.root(), j.Compression, j.Conflict)
	if err != nil {
		return nil, fmt.Errorf("job %s: build: %w", j.Name, err)
	}
	if _, err := b.Finalize(a); err != nil {
		return nil, fmt.Errorf("job %s: finalize: %w", j.Name, err)
	}
	logging.PhaseComplete(log, "build", time.Since(phaseStart)).
		Int("entries", stats.Added).
		Bytes("source_bytes", stats.Bytes).
		Log("archive built")

	phaseStart = time.Now()
	res, err := r.deliver(logctx.WithPhase(ctx, "deliver"), j.Destination, a)
	if err != nil {
		return nil, fmt.Errorf("job %s: deliver: %w", j.Name, err)
	}
	logging.PhaseComplete(log, "deliver", time.Since(phaseStart)).
		Bytes("archive_bytes", res.Bytes).
		Throughput(res.Bytes).
		Log("archive delivered")

	rep := &Report{
		Name:         j.Name,
		Destination:  j.Destination.ID(),
		Entries:      stats.Added,
		Skipped:      stats.Skipped,
		Bytes:        stats.Bytes,
		ArchiveBytes: res.Bytes,
		Parts:        res.Parts,
		Duration:     time.Since(start),
	}
	logging.JobComplete(log, rep.Duration).
		Int("entries", rep.Entries).
		Int("skipped", rep.Skipped).
		Bytes("source_bytes", rep.Bytes).
		Bytes("archive_bytes", rep.ArchiveBytes).
		Int("parts", rep.Parts).
		Throughput(rep.ArchiveBytes).
		Log("job complete")
	return rep, nil
}

func (r *Runner) deliver(ctx context.Context, d Destination, a *zipper.Archive) (*delivery.Result, error) {
	switch d.Kind {
	case DestStream:
		return delivery.DeliverArchive(ctx, &delivery.StreamSink{W: d.Writer}, a)
	case DestS3:
		sink := &delivery.MultipartSink{
			Uploader: d.Uploader,
			Bucket:   d.Bucket,
			Key:      d.Key,
			PartSize: d.PartSize,
		}
		return delivery.DeliverArchive(ctx, sink, a)
	default:
		var res *delivery.Result
		err := fileutil.WriteTmpThenMove(filepath.Dir(d.Path), d.Path, func(tmpPath string) error {
			f, err := os.Create(tmpPath)
			if err != nil {
				return err
			}
			res, err = delivery.DeliverArchive(ctx, &delivery.StreamSink{W: f}, a)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		res.Key = d.Path
		return res, nil
	}
}
