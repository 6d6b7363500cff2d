package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/eunmann/s3zip/pkg/blobstore"
	"github.com/eunmann/s3zip/pkg/delivery"
	"github.com/eunmann/s3zip/pkg/fileutil"
	"github.com/eunmann/s3zip/pkg/zipper"
)

// objectUploader is a concurrency-safe in-memory multipart store.
type objectUploader struct {
	mu      sync.Mutex
	next    int
	pending map[string][][]byte
	objects map[string][]byte
	aborts  int
}

func newObjectUploader() *objectUploader {
	return &objectUploader{pending: map[string][][]byte{}, objects: map[string][]byte{}}
}

func (u *objectUploader) CreateUpload(ctx context.Context, bucket, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next++
	id := fmt.Sprintf("upload-%d", u.next)
	u.pending[id] = nil
	return id, nil
}

func (u *objectUploader) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte) (delivery.CompletedPart, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending[uploadID] = append(u.pending[uploadID], bytes.Clone(body))
	return delivery.CompletedPart{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber), Size: int64(len(body))}, nil
}

func (u *objectUploader) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []delivery.CompletedPart) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[bucket+"/"+key] = bytes.Join(u.pending[uploadID], nil)
	delete(u.pending, uploadID)
	return nil
}

func (u *objectUploader) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.aborts++
	delete(u.pending, uploadID)
	return nil
}

func (u *objectUploader) MinPartSize() int64 { return 1024 }

func (u *objectUploader) object(name string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.objects[name]
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(b)
	}
	return out
}

func TestRun_LocalToStream(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	workDir := t.TempDir()
	var buf bytes.Buffer

	r := NewRunner(workDir)
	rep, err := r.Run(context.Background(), Job{
		Name:        "report",
		Source:      Source{LocalDir: root},
		Destination: Destination{Kind: DestStream, Writer: &buf},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Entries != 2 || rep.Bytes != 10 {
		t.Errorf("report = %+v, want 2 entries / 10 bytes", rep)
	}
	if rep.ArchiveBytes != int64(buf.Len()) {
		t.Errorf("ArchiveBytes = %d, buffer has %d", rep.ArchiveBytes, buf.Len())
	}

	got := readZip(t, buf.Bytes())
	if got["a.txt"] != "alpha" || got["sub/b.txt"] != "bravo" {
		t.Errorf("archive contents = %v", got)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned up: %d entries", len(entries))
	}
}

func TestRun_StoreToFile(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()
	for i := range 5 {
		if err := store.Put(ctx, fmt.Sprintf("exports/q1/file%d.csv", i), []byte(strings.Repeat("x", i+1))); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(t.TempDir(), "out", "q1.zip")

	rep, err := NewRunner(t.TempDir()).Run(ctx, Job{
		Name:        "q1",
		Source:      Source{Store: store, Prefix: "exports/q1"},
		Destination: Destination{Kind: DestFile, Path: out},
		Compression: zipper.ModeStore,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Entries != 5 {
		t.Errorf("Entries = %d, want 5", rep.Entries)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := readZip(t, data)
	if got["file4.csv"] != "xxxxx" {
		t.Errorf("file4.csv = %q", got["file4.csv"])
	}
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(out), "*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("tmp output left behind: %v", leftovers)
	}
}

// gatedStore blocks every Get until release is closed, signalling started
// on the first call.
type gatedStore struct {
	*blobstore.MemoryStore
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: blobstore.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryStore.Get(ctx, key)
}

func TestRun_SharedWorkDir(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	outDir := t.TempDir()

	slow := newGatedStore()
	if err := slow.Put(ctx, "exports/one.txt", []byte("from-a")); err != nil {
		t.Fatal(err)
	}
	fast := blobstore.NewMemoryStore()
	if err := fast.Put(ctx, "exports/one.txt", []byte("from-b")); err != nil {
		t.Fatal(err)
	}

	outA := filepath.Join(outDir, "a.zip")
	outB := filepath.Join(outDir, "b.zip")

	type result struct {
		rep *Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := NewRunner(workDir).Run(ctx, Job{
			Name:        "report",
			Source:      Source{Store: slow, Prefix: "exports"},
			Destination: Destination{Kind: DestFile, Path: outA},
		})
		done <- result{rep, err}
	}()
	<-slow.started

	// A second run with the same name in the same work dir completes while
	// the first is still building.
	if _, err := NewRunner(workDir).Run(ctx, Job{
		Name:        "report",
		Source:      Source{Store: fast, Prefix: "exports"},
		Destination: Destination{Kind: DestFile, Path: outB},
	}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	// Startup cleanup from another process must leave the in-flight work
	// file alone.
	removed, err := fileutil.CleanupStaleTmpFiles(workDir, fileutil.DefaultStaleAge)
	if err != nil {
		t.Fatalf("CleanupStaleTmpFiles: %v", err)
	}
	if removed != 0 {
		t.Errorf("cleanup removed %d in-flight files", removed)
	}

	close(slow.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("first Run: %v", res.err)
	}
	if res.rep.Entries != 1 {
		t.Errorf("first Run entries = %d, want 1", res.rep.Entries)
	}

	for path, want := range map[string]string{outA: "from-a", outB: "from-b"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := readZip(t, data)["one.txt"]; got != want {
			t.Errorf("%s: one.txt = %q, want %q", filepath.Base(path), got, want)
		}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned up: %d entries", len(entries))
	}
}

func TestRun_LocalToS3DefaultKey(t *testing.T) {
	root := writeTree(t, map[string]string{"data.bin": strings.Repeat("z", 5000)})
	up := newObjectUploader()

	rep, err := NewRunner(t.TempDir()).Run(context.Background(), Job{
		Name:        "nightly",
		Source:      Source{LocalDir: root},
		Destination: Destination{Kind: DestS3, Uploader: up, Bucket: "archives"},
		Compression: zipper.ModeStore,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Destination != "s3://archives/nightly.zip" {
		t.Errorf("Destination = %q", rep.Destination)
	}
	if rep.Parts < 2 {
		t.Errorf("Parts = %d, want at least 2 with 1KiB parts", rep.Parts)
	}
	obj := up.object("archives/nightly.zip")
	if readZip(t, obj)["data.bin"] != strings.Repeat("z", 5000) {
		t.Error("uploaded archive content mismatch")
	}
}

func TestRun_MissingSource(t *testing.T) {
	workDir := t.TempDir()
	var buf bytes.Buffer
	_, err := NewRunner(workDir).Run(context.Background(), Job{
		Name:        "missing",
		Source:      Source{LocalDir: filepath.Join(t.TempDir(), "nope")},
		Destination: Destination{Kind: DestStream, Writer: &buf},
	})
	if !errors.Is(err, zipper.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if buf.Len() != 0 {
		t.Error("nothing should be delivered for a failed build")
	}
	entries, _ := os.ReadDir(workDir)
	if len(entries) != 0 {
		t.Errorf("work file left behind after failure")
	}
}

func TestRun_InvalidJobs(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Source: Source{LocalDir: "."}, Destination: Destination{Kind: DestStream, Writer: &buf}}},
		{"no source", Job{Name: "x", Destination: Destination{Kind: DestStream, Writer: &buf}}},
		{"two sources", Job{Name: "x", Source: Source{LocalDir: ".", Store: blobstore.NewMemoryStore()}, Destination: Destination{Kind: DestStream, Writer: &buf}}},
		{"no writer", Job{Name: "x", Source: Source{LocalDir: "."}, Destination: Destination{Kind: DestStream}}},
		{"no path", Job{Name: "x", Source: Source{LocalDir: "."}, Destination: Destination{Kind: DestFile}}},
		{"no bucket", Job{Name: "x", Source: Source{LocalDir: "."}, Destination: Destination{Kind: DestS3, Uploader: newObjectUploader()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(t.TempDir()).Run(context.Background(), tt.job); !errors.Is(err, ErrInvalidJob) {
				t.Errorf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestRunBatch(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()
	var jobs []Job
	up := newObjectUploader()
	for i := range 6 {
		prefix := fmt.Sprintf("tenants/t%d", i)
		if err := store.Put(ctx, prefix+"/readme.txt", []byte(prefix)); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, Job{
			Name:        fmt.Sprintf("t%d", i),
			Source:      Source{Store: store, Prefix: prefix},
			Destination: Destination{Kind: DestS3, Uploader: up, Bucket: "out"},
		})
	}
	// One job with a missing prefix fails without stopping the rest.
	jobs = append(jobs, Job{
		Name:        "ghost",
		Source:      Source{Store: store, Prefix: "tenants/ghost"},
		Destination: Destination{Kind: DestS3, Uploader: up, Bucket: "out"},
	})

	reports, err := NewRunner(t.TempDir()).RunBatch(ctx, jobs, 3)
	if !errors.Is(err, zipper.ErrNotFound) {
		t.Fatalf("err = %v, want joined ErrNotFound", err)
	}
	if len(reports) != len(jobs) {
		t.Fatalf("len(reports) = %d, want %d", len(reports), len(jobs))
	}
	if reports[6] != nil {
		t.Error("failed job should have a nil report")
	}
	var keys []string
	for i := range 6 {
		if reports[i] == nil {
			t.Fatalf("job %d has no report", i)
		}
		keys = append(keys, reports[i].Destination)
		want := fmt.Sprintf("tenants/t%d", i)
		if got := readZip(t, up.object(fmt.Sprintf("out/t%d.zip", i)))["readme.txt"]; got != want {
			t.Errorf("t%d readme = %q, want %q", i, got, want)
		}
	}
	sort.Strings(keys)
	if keys[0] != "s3://out/t0.zip" {
		t.Errorf("first key = %q", keys[0])
	}
	if jobs[0].Destination.Key != "" {
		t.Error("RunBatch must not modify the caller's jobs")
	}
}

func TestRunBatch_RejectsDuplicates(t *testing.T) {
	root := writeTree(t, map[string]string{"a": "a"})
	up := newObjectUploader()
	dest := Destination{Kind: DestS3, Uploader: up, Bucket: "out", Key: "same.zip"}

	_, err := NewRunner(t.TempDir()).RunBatch(context.Background(), []Job{
		{Name: "one", Source: Source{LocalDir: root}, Destination: dest},
		{Name: "two", Source: Source{LocalDir: root}, Destination: dest},
	}, 2)
	if !errors.Is(err, ErrDuplicateDestination) {
		t.Fatalf("err = %v, want ErrDuplicateDestination", err)
	}
	if up.next != 0 {
		t.Error("no upload should start when the batch is rejected")
	}

	_, err = NewRunner(t.TempDir()).RunBatch(context.Background(), []Job{
		{Name: "one", Source: Source{LocalDir: root}, Destination: Destination{Kind: DestS3, Uploader: up, Bucket: "out"}},
		{Name: "one", Source: Source{LocalDir: root}, Destination: Destination{Kind: DestS3, Uploader: up, Bucket: "other"}},
	}, 2)
	if !errors.Is(err, ErrDuplicateDestination) {
		t.Fatalf("duplicate names: err = %v, want ErrDuplicateDestination", err)
	}
}

func TestDestinationID(t *testing.T) {
	abs, _ := filepath.Abs("out.zip")
	tests := []struct {
		d    Destination
		want string
	}{
		{Destination{Kind: DestFile, Path: "out.zip"}, "file:" + abs},
		{Destination{Kind: DestStream}, "stream"},
		{Destination{Kind: DestS3, Bucket: "b", Key: "k.zip"}, "s3://b/k.zip"},
	}
	for _, tt := range tests {
		if got := tt.d.ID(); got != tt.want {
			t.Errorf("ID() = %q, want %q", got, tt.want)
		}
	}
}
