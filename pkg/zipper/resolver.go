package zipper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/s3zip/pkg/blobstore"
)

// Resolver produces the entries below a root. The sequence is lazy and
// finite; an error is yielded at most once and ends the sequence.
type Resolver interface {
	Resolve(ctx context.Context, root string) iter.Seq2[EntryRef, error]
}

// LocalResolver walks a directory tree in pre-order and yields regular files.
//
// Archive paths are relative to the canonical (absolute, symlink-resolved)
// root and use forward slashes.
type LocalResolver struct{}

func (LocalResolver) Resolve(ctx context.Context, root string) iter.Seq2[EntryRef, error] {
	return func(yield func(EntryRef, error) bool) {
		rootReal, err := canonicalPath(root)
		if err != nil {
			yield(EntryRef{}, err)
			return
		}

		walkErr := filepath.WalkDir(rootReal, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			source := p
			if d.Type()&fs.ModeSymlink != 0 {
				target, err := filepath.EvalSymlinks(p)
				if err != nil {
					return err
				}
				info, err := os.Stat(target)
				if err != nil {
					return err
				}
				if !info.Mode().IsRegular() {
					return nil
				}
				source = target
			} else if !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(rootReal, p)
			if err != nil {
				return err
			}
			if !yield(EntryRef{SourcePath: source, ArchivePath: filepath.ToSlash(rel)}, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			yield(EntryRef{}, ioError("walk", root, walkErr))
		}
	}
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", ioError("resolve", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("resolve %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return "", ioError("resolve", p, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", ioError("stat", p, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("resolve %s: %w: not a directory", p, ErrIO)
	}
	return resolved, nil
}

// StoreResolver lists every key below a blob-store prefix.
//
// Archive paths are keys with the prefix removed and leading slashes trimmed.
// Folder marker keys (ending in "/") are not yielded.
type StoreResolver struct {
	Store blobstore.Store
}

func (r StoreResolver) Resolve(ctx context.Context, root string) iter.Seq2[EntryRef, error] {
	return func(yield func(EntryRef, error) bool) {
		trimmed := strings.Trim(root, "/")
		prefix := ""
		if trimmed != "" {
			prefix = trimmed + "/"
		}

		keys, err := r.Store.List(ctx, prefix)
		if err != nil {
			yield(EntryRef{}, ioError("list", root, err))
			return
		}
		if len(keys) == 0 && trimmed != "" {
			ok, err := r.Store.Exists(ctx, trimmed)
			if err != nil {
				yield(EntryRef{}, ioError("stat", root, err))
				return
			}
			if !ok {
				yield(EntryRef{}, fmt.Errorf("resolve %s: %w", root, ErrNotFound))
			}
			return
		}

		for _, key := range keys {
			if strings.HasSuffix(key, "/") {
				continue
			}
			archivePath := strings.TrimLeft(strings.TrimPrefix(key, trimmed), "/")
			if !yield(EntryRef{SourcePath: key, ArchivePath: archivePath}, nil) {
				return
			}
		}
	}
}
