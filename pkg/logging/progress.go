package logging

import (
	"sync/atomic"
	"time"

	"github.com/eunmann/s3zip/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// ProgressTracker counts finished and failed jobs of a batch with an ETA
// estimate. It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string
}

// NewProgressTracker creates a tracker for total items.
func NewProgressTracker(phase string, total int64, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		log:       log,
		phase:     phase,
	}
}

// RecordCompletion records a finished item of the given size and logs the
// running progress.
func (pt *ProgressTracker) RecordCompletion(bytes int64) {
	pt.completed.Add(1)
	pt.bytes.Add(bytes)
	pt.logProgress()
}

// RecordFailure records a failed item.
func (pt *ProgressTracker) RecordFailure() {
	pt.failed.Add(1)
	pt.logProgress()
}

func (pt *ProgressTracker) logProgress() {
	e := pt.log.Debug().
		Str("phase", pt.phase).
		Int64("completed", pt.completed.Load()).
		Int64("failed", pt.failed.Load()).
		Int64("total", pt.total).
		Float64("progress_pct", pt.ProgressPct())
	if eta := pt.ETA(); eta > 0 {
		e = e.Str("eta", humanfmt.Duration(eta))
	}
	e.Msg("progress")
}

// Progress returns current progress stats.
func (pt *ProgressTracker) Progress() (completed, failed, total int64) {
	return pt.completed.Load(), pt.failed.Load(), pt.total
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	if pt.total == 0 {
		return 100.0
	}
	done := pt.completed.Load() + pt.failed.Load()
	return float64(done) * 100.0 / float64(pt.total)
}

// ETA returns the estimated time remaining based on the average rate so far.
func (pt *ProgressTracker) ETA() time.Duration {
	done := pt.completed.Load() + pt.failed.Load()
	if done == 0 {
		return 0
	}
	remaining := pt.total - done
	if remaining <= 0 {
		return 0
	}
	avg := time.Since(pt.startTime) / time.Duration(done)
	return avg * time.Duration(remaining)
}

// Bytes returns the total size recorded by completions.
func (pt *ProgressTracker) Bytes() int64 {
	return pt.bytes.Load()
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// CompletionEvent builds consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// newCompletionEvent creates a new completion event builder.
func newCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, bytes int64) *CompletionEvent {
	ce.fields[key] = bytes
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(bytes)
	}
	return ce
}

// ProgressFromTracker adds completed/failed/total fields from pt.
func (ce *CompletionEvent) ProgressFromTracker(pt *ProgressTracker) *CompletionEvent {
	completed, failed, total := pt.Progress()
	ce.fields["completed"] = completed
	ce.fields["failed"] = failed
	ce.fields["total"] = total
	ce.fields["progress_pct"] = pt.ProgressPct()
	return ce
}

// Throughput adds throughput fields.
func (ce *CompletionEvent) Throughput(bytes int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields["throughput_bps"] = float64(bytes) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields["throughput_h"] = humanfmt.Throughput(bytes, ce.elapsed)
		}
	}
	return ce
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	e := ce.log.Info().
		Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return newCompletionEvent(log, "phase_completed", phase, elapsed)
}

// JobComplete starts a job completion event.
func JobComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return newCompletionEvent(log, "job_completed", "job", elapsed)
}

// BatchComplete starts a batch completion event.
func BatchComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return newCompletionEvent(log, "batch_completed", "batch", elapsed)
}
