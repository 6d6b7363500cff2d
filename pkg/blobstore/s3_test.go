package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 implements S3API over a map, honoring ranged GETs the way the
// download manager issues them.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}

	start, end := int64(0), int64(len(data))-1
	if r := aws.ToString(in.Range); r != "" {
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
	}
	part := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(part)),
		ContentLength: aws.Int64(int64(len(part))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NotFound{Message: aws.String("missing")}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if in.MaxKeys != nil && int(*in.MaxKeys) < len(keys) {
		keys = keys[:*in.MaxKeys]
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewS3Store(newFakeS3(), "reports")

	if _, err := s.Get(ctx, "export/missing.xml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.Append(ctx, "export/xl/sharedStrings.xml", []byte("<sst>")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "export/xl/sharedStrings.xml", []byte("</sst>")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Get(ctx, "export/xl/sharedStrings.xml")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "<sst></sst>" {
		t.Errorf("Get = %q", got)
	}

	if err := s.Put(ctx, "export/a.txt", []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	keys, err := s.List(ctx, "export/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "export/a.txt" {
		t.Errorf("List = %v", keys)
	}

	for key, want := range map[string]bool{"export": true, "export/a.txt": true, "exp": false} {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			t.Fatalf("Exists(%s): %v", key, err)
		}
		if ok != want {
			t.Errorf("Exists(%s) = %v, want %v", key, ok, want)
		}
	}
}

func TestS3Store_NotAPatcher(t *testing.T) {
	var s Store = NewS3Store(newFakeS3(), "b")
	if _, ok := s.(Patcher); ok {
		t.Error("S3Store must not claim random-access writes")
	}
}
