// Package zipper builds ZIP archives from local directory trees or blob-store
// listings.
//
// A Builder resolves (source, archive path) pairs, decides per entry whether
// to skip it on conflict and which codec to use, and writes it into an
// Archive. Archives are created open and transition to closed exactly once
// through Finalize.
package zipper

import (
	"fmt"
	"strings"
)

// ArchiveExtension is appended to logical archive names to form object keys.
const ArchiveExtension = ".zip"

// ArchiveKey returns the destination key for a logical archive name.
func ArchiveKey(name string) string {
	if strings.HasSuffix(name, ArchiveExtension) {
		return name
	}
	return name + ArchiveExtension
}

// CompressionMode is the compression requested for an entry.
type CompressionMode int

const (
	// ModeCompress requests deflate compression.
	ModeCompress CompressionMode = iota
	// ModeStore requests no compression.
	ModeStore
)

func (m CompressionMode) String() string {
	switch m {
	case ModeCompress:
		return "compress"
	case ModeStore:
		return "store"
	default:
		return fmt.Sprintf("CompressionMode(%d)", int(m))
	}
}

// ParseCompressionMode accepts "compress" (or "deflate") and "store".
func ParseCompressionMode(s string) (CompressionMode, error) {
	switch strings.ToLower(s) {
	case "compress", "deflate", "":
		return ModeCompress, nil
	case "store", "none":
		return ModeStore, nil
	default:
		return 0, fmt.Errorf("unknown compression mode %q", s)
	}
}

// ConflictMode controls what happens when an archive path is added twice.
type ConflictMode int

const (
	// ConflictOverwrite writes every add. The zip format is additive, so the
	// archive then holds duplicate entries for the path.
	ConflictOverwrite ConflictMode = iota
	// ConflictSkip keeps the first entry added for a path.
	ConflictSkip
)

func (m ConflictMode) String() string {
	switch m {
	case ConflictOverwrite:
		return "overwrite"
	case ConflictSkip:
		return "skip"
	default:
		return fmt.Sprintf("ConflictMode(%d)", int(m))
	}
}

// ParseConflictMode accepts "overwrite" and "skip".
func ParseConflictMode(s string) (ConflictMode, error) {
	switch strings.ToLower(s) {
	case "overwrite", "":
		return ConflictOverwrite, nil
	case "skip":
		return ConflictSkip, nil
	default:
		return 0, fmt.Errorf("unknown conflict mode %q", s)
	}
}

// Codec identifies how an entry's bytes are encoded in the archive.
type Codec int

const (
	// CodecDefault leaves the method to the archive writer (deflate).
	CodecDefault Codec = iota
	// CodecStore writes the bytes uncompressed.
	CodecStore
	// CodecDeflate compresses the bytes with deflate.
	CodecDeflate
)

func (c Codec) String() string {
	switch c {
	case CodecDefault:
		return "default"
	case CodecStore:
		return "store"
	case CodecDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// EntryRef is one (source, archive path) pair produced by a Resolver.
type EntryRef struct {
	SourcePath  string
	ArchivePath string
}

// ArchiveEntry records an entry committed to an Archive.
type ArchiveEntry struct {
	SourcePath  string
	ArchivePath string
	Codec       Codec
	Size        int64
}

// NormalizeArchivePath converts separators to forward slashes and strips any
// leading slash.
func NormalizeArchivePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}
