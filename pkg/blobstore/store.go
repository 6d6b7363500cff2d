// Package blobstore defines the byte-addressable storage capability used to
// source archive entries and to write output artifacts, along with local-disk,
// in-memory and S3 implementations.
package blobstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key (or prefix) does not exist in a store.
var ErrNotFound = errors.New("blobstore: not found")

// Store is the capability set the archive pipeline depends on.
//
// Implementations must be safe for concurrent use by independent jobs
// working on distinct keys.
type Store interface {
	// Get returns the full contents of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces key with data.
	Put(ctx context.Context, key string, data []byte) error

	// Append adds data to the end of key, creating it if absent.
	Append(ctx context.Context, key string, data []byte) error

	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key names an object or a non-empty folder.
	Exists(ctx context.Context, key string) (bool, error)
}

// Patcher is implemented by stores that support random-access writes into an
// existing object. Object stores such as S3 do not.
type Patcher interface {
	WriteAt(ctx context.Context, key string, off int64, data []byte) error
}

// JoinKey joins slash-separated key segments, dropping empty segments and
// redundant separators.
func JoinKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}

// folderPrefix returns key with exactly one trailing slash, or "" for the root.
func folderPrefix(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}
