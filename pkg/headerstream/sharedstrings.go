package headerstream

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"github.com/eunmann/s3zip/pkg/blobstore"
)

// SharedStringsFileName is the file name consumers expect for the table.
const SharedStringsFileName = "sharedStrings.xml"

// SharedStringsDigits is the width of each reserved count. It must stay large
// enough that no generated table holds more strings.
const SharedStringsDigits = 35

const sharedStringsPrefix = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
	`<sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" `

// SharedStringsHeader is the header of an OOXML shared string table.
var SharedStringsHeader = Header{
	Prefix: sharedStringsPrefix,
	Field: CountField{
		Format: `count="%[1]s" uniqueCount="%[1]s"`,
		Digits: SharedStringsDigits,
	},
	Suffix: ">",
}

const sharedStringsClose = "</sst>"

// SharedStrings writes a shared string table under a folder.
type SharedStrings struct {
	stream *Stream
	buf    bytes.Buffer
}

// NewSharedStrings creates <folder>/sharedStrings.xml on sink.
func NewSharedStrings(ctx context.Context, sink Sink, folder string, strategy Strategy) (*SharedStrings, error) {
	key := blobstore.JoinKey(folder, SharedStringsFileName)
	st, err := Open(ctx, sink, key, SharedStringsHeader, strategy)
	if err != nil {
		return nil, err
	}
	return &SharedStrings{stream: st}, nil
}

// WriteString appends s as a whitespace-preserving string item and returns
// its zero-based ID.
func (w *SharedStrings) WriteString(ctx context.Context, s string) (int, error) {
	w.buf.Reset()
	w.buf.WriteString(`<si><t xml:space="preserve">`)
	if err := xml.EscapeText(&w.buf, []byte(s)); err != nil {
		return 0, fmt.Errorf("escape shared string: %w", err)
	}
	w.buf.WriteString(`</t></si>`)

	if err := w.stream.AppendRecord(ctx, w.buf.Bytes()); err != nil {
		return 0, err
	}
	return int(w.stream.Count() - 1), nil
}

// Close terminates the table and corrects its counts. Closing a finalized
// table is a no-op.
func (w *SharedStrings) Close(ctx context.Context) error {
	if w.stream.State() == StateFinalized {
		return nil
	}
	return w.stream.Finalize(ctx, sharedStringsClose)
}

// Count returns the number of strings written.
func (w *SharedStrings) Count() int64 {
	return w.stream.Count()
}

// Key returns the object key of the table.
func (w *SharedStrings) Key() string {
	return w.stream.Key()
}
