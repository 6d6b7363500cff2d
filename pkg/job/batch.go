package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/logging"
)

// RunBatch runs independent jobs with at most concurrency in flight. Jobs
// are validated up front; a failing job does not stop the others. Reports
// are index-aligned with jobs and nil for failed jobs. The returned error
// joins every job failure.
func (r *Runner) RunBatch(ctx context.Context, jobs []Job, concurrency int) ([]*Report, error) {
	jobs = slices.Clone(jobs)
	if err := validateBatch(jobs); err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	log := logctx.FromContext(ctx)
	start := time.Now()
	tracker := logging.NewProgressTracker("batch", int64(len(jobs)), log)

	reports := make([]*Report, len(jobs))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			rep, err := r.run(ctx, j)
			if err != nil {
				tracker.RecordFailure()
				log.Error().Err(err).Str("job", j.Name).Msg("job failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			reports[i] = rep
			tracker.RecordCompletion(rep.ArchiveBytes)
			return nil
		})
	}
	g.Wait()

	logging.BatchComplete(log, time.Since(start)).
		ProgressFromTracker(tracker).
		Bytes("archive_bytes", tracker.Bytes()).
		Throughput(tracker.Bytes()).
		Log("batch complete")

	return reports, errors.Join(errs...)
}

func validateBatch(jobs []Job) error {
	names := make(map[string]struct{}, len(jobs))
	dests := make(map[string]string, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		if err := j.normalize(); err != nil {
			return err
		}
		if _, ok := names[j.Name]; ok {
			return fmt.Errorf("%w: job name %q used twice", ErrDuplicateDestination, j.Name)
		}
		names[j.Name] = struct{}{}
		id := j.Destination.ID()
		if other, ok := dests[id]; ok {
			return fmt.Errorf("%w: %s shared by %s and %s", ErrDuplicateDestination, id, other, j.Name)
		}
		dests[id] = j.Name
	}
	return nil
}
