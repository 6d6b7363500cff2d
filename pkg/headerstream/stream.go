// Package headerstream writes documents whose header carries a count that is
// only known once the body is complete.
//
// The header reserves a fixed-width field filled with nines. On Finalize the
// true count is written either by appending a corrected copy of the field
// after the closing marker (for append-only sinks such as S3), or by
// overwriting the reserved bytes in place (for sinks implementing
// blobstore.Patcher). With the append strategy, the last occurrence of the
// field in the document is authoritative; see ParseCount.
package headerstream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/blobstore"
)

var (
	// ErrIO indicates a failed write to the sink.
	ErrIO = errors.New("headerstream: i/o failure")
	// ErrState indicates an operation invalid in the stream's current state.
	ErrState = errors.New("headerstream: invalid state")
	// ErrPlaceholderOverflow indicates a count wider than the reserved field.
	ErrPlaceholderOverflow = errors.New("headerstream: count exceeds placeholder width")
	// ErrUnsupported indicates a strategy the sink cannot serve.
	ErrUnsupported = errors.New("headerstream: strategy not supported by sink")
)

// Sink is the storage a stream writes to.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Append(ctx context.Context, key string, data []byte) error
}

// Strategy selects how the count is corrected at Finalize.
type Strategy int

const (
	// StrategyAppendCorrection appends the corrected field after the closing
	// marker. The initial placeholder bytes are left untouched.
	StrategyAppendCorrection Strategy = iota
	// StrategyPatchInPlace overwrites the placeholder at its offset. The sink
	// must implement blobstore.Patcher.
	StrategyPatchInPlace
)

func (s Strategy) String() string {
	switch s {
	case StrategyAppendCorrection:
		return "append"
	case StrategyPatchInPlace:
		return "patch"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy accepts "append" and "patch".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "append", "":
		return StrategyAppendCorrection, nil
	case "patch":
		return StrategyPatchInPlace, nil
	default:
		return 0, fmt.Errorf("unknown header strategy %q", s)
	}
}

// State is a stream's position in its lifecycle.
type State int

const (
	StateOpened State = iota
	StateWriting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateWriting:
		return "writing"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CountField describes the deferred header field. Format contains the
// verb %[1]s once or more; every occurrence receives the decimal count.
//
// The actual count must never need more than Digits digits. Finalize fails
// with ErrPlaceholderOverflow rather than truncate.
type CountField struct {
	Format string
	Digits int
}

// Placeholder returns the field with every count slot filled with nines.
func (f CountField) Placeholder() string {
	return fmt.Sprintf(f.Format, strings.Repeat("9", f.Digits))
}

// Width returns the fixed byte width reserved for the field.
func (f CountField) Width() int {
	return len(f.Placeholder())
}

// Render formats n into the field, left-justified and space-padded to Width.
func (f CountField) Render(n int64) (string, error) {
	digits := strconv.FormatInt(n, 10)
	if n < 0 || len(digits) > f.Digits {
		return "", fmt.Errorf("%w: %d needs %d digits, reserved %d", ErrPlaceholderOverflow, n, len(digits), f.Digits)
	}
	return fmt.Sprintf("%-*s", f.Width(), fmt.Sprintf(f.Format, digits)), nil
}

func (f CountField) pattern() *regexp.Regexp {
	parts := strings.Split(f.Format, "%[1]s")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return regexp.MustCompile(strings.Join(parts, `(\d+)`))
}

// Header is the fixed part written by Open: Prefix, the placeholder field,
// then Suffix.
type Header struct {
	Prefix string
	Field  CountField
	Suffix string
}

// Stream is an append-only writer with a deferred count header. It is not
// safe for concurrent use.
type Stream struct {
	sink     Sink
	key      string
	header   Header
	strategy Strategy
	state    State
	count    int64
}

// Open creates key on sink, replacing any previous object, and writes the
// header with the placeholder at full width.
func Open(ctx context.Context, sink Sink, key string, header Header, strategy Strategy) (*Stream, error) {
	if strategy == StrategyPatchInPlace {
		if _, ok := sink.(blobstore.Patcher); !ok {
			return nil, fmt.Errorf("open %s with %s strategy: %w", key, strategy, ErrUnsupported)
		}
	}
	if header.Field.Digits <= 0 {
		return nil, fmt.Errorf("open %s: count field must reserve at least one digit", key)
	}

	s := &Stream{
		sink:     sink,
		key:      key,
		header:   header,
		strategy: strategy,
		state:    StateOpened,
	}
	head := header.Prefix + header.Field.Placeholder() + header.Suffix
	if err := sink.Put(ctx, key, []byte(head)); err != nil {
		return nil, fmt.Errorf("write header %s: %w: %w", key, ErrIO, err)
	}
	s.state = StateWriting

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("key", key).
		Str("strategy", strategy.String()).
		Int("field_width", header.Field.Width()).
		Msg("header stream opened")
	return s, nil
}

// AppendRecord appends b to the body and counts it as one record.
func (s *Stream) AppendRecord(ctx context.Context, b []byte) error {
	if s.state != StateWriting {
		return fmt.Errorf("append to %s in state %s: %w", s.key, s.state, ErrState)
	}
	if err := s.sink.Append(ctx, s.key, b); err != nil {
		return fmt.Errorf("append record %d to %s: %w: %w", s.count, s.key, ErrIO, err)
	}
	s.count++
	return nil
}

// Finalize appends closingMarker and writes the true record count into the
// header field. On failure the stream remains in StateWriting and the object
// is readable but uncorrected.
func (s *Stream) Finalize(ctx context.Context, closingMarker string) error {
	if s.state != StateWriting {
		return fmt.Errorf("finalize %s in state %s: %w", s.key, s.state, ErrState)
	}
	corrected, err := s.header.Field.Render(s.count)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", s.key, err)
	}

	if err := s.sink.Append(ctx, s.key, []byte(closingMarker)); err != nil {
		return fmt.Errorf("append closing marker to %s: %w: %w", s.key, ErrIO, err)
	}

	switch s.strategy {
	case StrategyPatchInPlace:
		p := s.sink.(blobstore.Patcher)
		if err := p.WriteAt(ctx, s.key, int64(len(s.header.Prefix)), []byte(corrected)); err != nil {
			return fmt.Errorf("patch header of %s: %w: %w", s.key, ErrIO, err)
		}
	default:
		if err := s.sink.Append(ctx, s.key, []byte(corrected)); err != nil {
			return fmt.Errorf("append header correction to %s: %w: %w", s.key, ErrIO, err)
		}
	}
	s.state = StateFinalized

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("key", s.key).
		Int64("records", s.count).
		Msg("header stream finalized")
	return nil
}

// Count returns the number of records appended so far.
func (s *Stream) Count() int64 {
	return s.count
}

// State returns the stream's lifecycle state.
func (s *Stream) State() State {
	return s.state
}

// Key returns the object key the stream writes to.
func (s *Stream) Key() string {
	return s.key
}

// ParseCount returns the count held by the last occurrence of field in doc.
// Every slot of that occurrence must carry the same value.
func ParseCount(doc []byte, field CountField) (int64, error) {
	matches := field.pattern().FindAllSubmatch(doc, -1)
	if len(matches) == 0 {
		return 0, errors.New("headerstream: count field not found")
	}
	last := matches[len(matches)-1]
	var n int64 = -1
	for _, g := range last[1:] {
		v, err := strconv.ParseInt(string(g), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("headerstream: parse count %q: %w", g, err)
		}
		if n >= 0 && v != n {
			return 0, fmt.Errorf("headerstream: inconsistent counts %d and %d", n, v)
		}
		n = v
	}
	return n, nil
}
