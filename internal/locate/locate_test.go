package locate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"

	"github.com/BadgerOps/modelinstall/internal/download"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticLister returns a fixed listing.
type staticLister struct {
	objects []Object
	err     error
	folders []string
}

func (s *staticLister) List(ctx context.Context, folder string) ([]Object, error) {
	s.folders = append(s.folders, folder)
	return s.objects, s.err
}

func (s *staticLister) Source(obj Object) download.Source {
	return download.BlobRef{Bucket: "mem://", Object: obj.Name}
}

func names(ns ...string) []Object {
	out := make([]Object, len(ns))
	for i, n := range ns {
		out[i] = Object{Name: n, Size: 10}
	}
	return out
}

func TestLocateSingleMatch(t *testing.T) {
	l := New(&staticLister{objects: names("a.txt", "model.task")}, ".task", TieBreakStrict, testLogger())
	a, err := l.Locate(context.Background(), "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Name != "model.task" {
		t.Errorf("expected model.task, got %s", a.Name)
	}
	ref, ok := a.Source.(download.BlobRef)
	if !ok || ref.Object != "model.task" {
		t.Errorf("unexpected source %#v", a.Source)
	}
}

func TestLocateAmbiguous(t *testing.T) {
	l := New(&staticLister{objects: names("a.txt", "model.task", "b.task")}, ".task", TieBreakStrict, testLogger())
	_, err := l.Locate(context.Background(), "llm")
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	var de *DiscoveryError
	if !errors.As(err, &de) || de.Kind != KindAmbiguous || len(de.Matches) != 2 {
		t.Errorf("unexpected discovery error %+v", de)
	}
}

func TestLocateTieBreakFirst(t *testing.T) {
	l := New(&staticLister{objects: names("a.txt", "model.task", "b.task")}, ".task", TieBreakFirst, testLogger())
	a, err := l.Locate(context.Background(), "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Name != "model.task" {
		t.Errorf("expected first match in listing order, got %s", a.Name)
	}
}

func TestLocateNotFound(t *testing.T) {
	l := New(&staticLister{objects: names("a.txt", "readme.md")}, ".task", "", testLogger())
	_, err := l.Locate(context.Background(), "llm")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocateCaseInsensitiveSuffix(t *testing.T) {
	l := New(&staticLister{objects: names("llm/Gemma-2B.TASK")}, ".task", TieBreakStrict, testLogger())
	a, err := l.Locate(context.Background(), "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Name != "Gemma-2B.TASK" || a.Key != "llm/Gemma-2B.TASK" {
		t.Errorf("unexpected artifact %+v", a)
	}
}

func TestLocateSkipsDirectories(t *testing.T) {
	objs := []Object{{Name: "llm/old.task/", IsDir: true}, {Name: "llm/new.task", Size: 5}}
	l := New(&staticLister{objects: objs}, ".task", TieBreakStrict, testLogger())
	a, err := l.Locate(context.Background(), "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Name != "new.task" {
		t.Errorf("expected new.task, got %s", a.Name)
	}
}

func TestLocateTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	l := New(&staticLister{err: boom}, ".task", TieBreakStrict, testLogger())
	_, err := l.Locate(context.Background(), "llm")
	var de *DiscoveryError
	if !errors.As(err, &de) || de.Kind != KindTransport {
		t.Fatalf("expected transport discovery error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected the listing error to be wrapped")
	}
}

func TestFolderPrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "/": "", "llm": "llm/", "/llm/": "llm/", "a/b": "a/b/"} {
		if got := folderPrefix(in); got != want {
			t.Errorf("folderPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func singleBucket(bkt *blob.Bucket) *download.Buckets {
	return download.NewBuckets(download.BucketOpenerFunc(func(ctx context.Context, urlstr string) (*blob.Bucket, error) {
		return bkt, nil
	}))
}

func TestBlobListerMemblob(t *testing.T) {
	ctx := context.Background()
	bkt := memblob.OpenBucket(nil)
	for _, key := range []string{"llm/model.task", "llm/notes.txt", "llm/archive/old.task", "other/x.task"} {
		if err := bkt.WriteAll(ctx, key, []byte("data"), nil); err != nil {
			t.Fatal(err)
		}
	}
	buckets := singleBucket(bkt)
	defer buckets.Close()

	lister := &BlobLister{BucketURL: "mem://models", Buckets: buckets}
	a, err := New(lister, ".task", TieBreakStrict, testLogger()).Locate(ctx, "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Key != "llm/model.task" || a.Size != 4 {
		t.Errorf("unexpected artifact %+v", a)
	}
	if ref := a.Source.(download.BlobRef); ref.Bucket != "mem://models" || ref.Object != "llm/model.task" {
		t.Errorf("unexpected source %+v", ref)
	}
}

func TestBlobListerFileblob(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "models"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "models", "gemma.task"), []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}
	bkt, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	buckets := singleBucket(bkt)
	defer buckets.Close()

	lister := &BlobLister{BucketURL: "file://" + dir, Buckets: buckets}
	a, err := New(lister, ".task", TieBreakStrict, testLogger()).Locate(context.Background(), "models")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if a.Name != "gemma.task" || a.Size != 7 {
		t.Errorf("unexpected artifact %+v", a)
	}
}

func TestHTTPListerPagination(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/b/bucket/o" {
			http.NotFound(w, r)
			return
		}
		queries = append(queries, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(listingPage{
				Prefixes:      []string{"llm/archive/"},
				Items:         []listingItem{{Name: "llm/readme.txt", Size: "12"}},
				NextPageToken: "p2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(listingPage{
			Items: []listingItem{{Name: "llm/gemma 2b.task", Size: "1048576", ContentType: "application/octet-stream"}},
		})
	}))
	defer server.Close()

	lister := &HTTPLister{BaseURL: server.URL + "/v0/b/bucket", Headers: map[string]string{"Authorization": "Bearer t"}}
	a, err := New(lister, ".task", TieBreakStrict, testLogger()).Locate(context.Background(), "llm")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 listing pages, got %d", len(queries))
	}
	if a.Size != 1048576 {
		t.Errorf("expected size 1048576, got %d", a.Size)
	}
	src, ok := a.Source.(download.HTTPURL)
	if !ok {
		t.Fatalf("expected HTTP source, got %#v", a.Source)
	}
	want := server.URL + "/v0/b/bucket/o/llm%2Fgemma%202b.task?alt=media"
	if src.URL != want {
		t.Errorf("expected download URL %s, got %s", want, src.URL)
	}
	if src.Headers["Authorization"] != "Bearer t" {
		t.Error("expected headers to carry over to the download source")
	}
}

func TestHTTPListerForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	lister := &HTTPLister{BaseURL: server.URL}
	_, err := New(lister, ".task", TieBreakStrict, testLogger()).Locate(context.Background(), "llm")
	var de *DiscoveryError
	if !errors.As(err, &de) || de.Kind != KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestHTTPListerRejectsBadURL(t *testing.T) {
	lister := &HTTPLister{BaseURL: "ftp://example.com"}
	if _, err := lister.List(context.Background(), "llm"); err == nil {
		t.Fatal("expected error for non-HTTP base URL")
	}
}
