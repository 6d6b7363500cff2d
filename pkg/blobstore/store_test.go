package blobstore

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"local":  local,
	}
}

func TestStore_PutGetAppend(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Put(ctx, "a/b.txt", []byte("hello")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Append(ctx, "a/b.txt", []byte(" world")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			got, err := s.Get(ctx, "a/b.txt")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "hello world" {
				t.Errorf("Get = %q, want %q", got, "hello world")
			}

			// Append creates missing objects.
			if err := s.Append(ctx, "new.txt", []byte("x")); err != nil {
				t.Fatalf("Append(new): %v", err)
			}
			got, err = s.Get(ctx, "new.txt")
			if err != nil || string(got) != "x" {
				t.Errorf("Get(new) = %q, %v", got, err)
			}
		})
	}
}

func TestStore_ListAndExists(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"root/z.txt", "root/a/1.txt", "root/a/2.txt", "other/x.txt"} {
				if err := s.Put(ctx, k, []byte(k)); err != nil {
					t.Fatalf("Put(%s): %v", k, err)
				}
			}

			keys, err := s.List(ctx, "root/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{"root/a/1.txt", "root/a/2.txt", "root/z.txt"}
			if !reflect.DeepEqual(keys, want) {
				t.Errorf("List = %v, want %v", keys, want)
			}

			keys, err = s.List(ctx, "nothing/")
			if err != nil {
				t.Fatalf("List(empty): %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("List(empty) = %v, want none", keys)
			}

			tests := []struct {
				key  string
				want bool
			}{
				{"root", true},
				{"root/a", true},
				{"root/z.txt", true},
				{"missing", false},
				{"roo", false},
			}
			for _, tt := range tests {
				got, err := s.Exists(ctx, tt.key)
				if err != nil {
					t.Fatalf("Exists(%s): %v", tt.key, err)
				}
				if got != tt.want {
					t.Errorf("Exists(%s) = %v, want %v", tt.key, got, tt.want)
				}
			}
		})
	}
}

func TestPatcher_WriteAt(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			p, ok := s.(Patcher)
			if !ok {
				t.Fatalf("%s store does not implement Patcher", name)
			}
			if err := s.Put(ctx, "f.txt", []byte("0123456789")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := p.WriteAt(ctx, "f.txt", 3, []byte("abc")); err != nil {
				t.Fatalf("WriteAt: %v", err)
			}
			got, _ := s.Get(ctx, "f.txt")
			if !bytes.Equal(got, []byte("012abc6789")) {
				t.Errorf("after WriteAt = %q", got)
			}
			if err := p.WriteAt(ctx, "nope.txt", 0, []byte("a")); !errors.Is(err, ErrNotFound) {
				t.Errorf("WriteAt(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Keys are rooted before joining, so ".." cannot climb out.
	if err := s.Put(context.Background(), "../../etc/x", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := s.Exists(context.Background(), "etc/x"); !ok {
		t.Error("expected escaping key to be contained under the root")
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"a", "b"}, "a/b"},
		{[]string{"/a/", "/b/"}, "a/b"},
		{[]string{"", "xl", "sharedStrings.xml"}, "xl/sharedStrings.xml"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := JoinKey(tt.parts...); got != tt.want {
			t.Errorf("JoinKey(%q) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}
