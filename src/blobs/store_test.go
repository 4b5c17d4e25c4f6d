package blobs

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

type counter struct {
	n int64
}

func (c *counter) Next() int64 {
	return atomic.AddInt64(&c.n, 1)
}

func (c *counter) Done(seqnos ...int64) {}

func newTestStore(t *testing.T) (*Store, *counter) {
	seqno := &counter{}
	store, err := NewStore(t.TempDir(), seqno, 0, common.NewTestEntry(t, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	return store, seqno
}

func readBody(t *testing.T, b *Blob) string {
	f, err := b.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPostGet(t *testing.T) {
	store, _ := newTestStore(t)

	sum := sha1.Sum([]byte("hello"))
	digest := hex.EncodeToString(sum[:])

	blob, err := store.Post(strings.NewReader("hello"), PostOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	if blob.Key != digest {
		t.Fatalf("digest %s, expected %s", blob.Key, digest)
	}
	if blob.Seqno() != 1 || blob.Size() != 5 || blob.MimeType() != "text/plain" {
		t.Fatalf("unexpected meta %v", blob.Meta)
	}

	got, err := store.Get(digest)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, got); body != "hello" {
		t.Fatalf("body %q", body)
	}

	info, err := os.Stat(got.Path + metaSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != 1 {
		t.Fatalf("sidecar mtime %d should equal seqno", info.ModTime().Unix())
	}

	t.Run("idempotent", func(t *testing.T) {
		again, err := store.Post(strings.NewReader("hello"), PostOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if again.Seqno() != 1 {
			t.Fatalf("reposting should keep seqno 1, got %d", again.Seqno())
		}
	})

	t.Run("assert-digest", func(t *testing.T) {
		_, err := store.Post(strings.NewReader("other"), PostOptions{AssertDigest: digest})
		if !common.IsKind(err, common.BadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(strings.Repeat("0", 40))
		if !common.IsKind(err, common.NotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})
}

func TestDeleteTombstone(t *testing.T) {
	store, _ := newTestStore(t)

	blob, err := store.Post(strings.NewReader("payload"), PostOptions{})
	if err != nil {
		t.Fatal(err)
	}

	gone, err := store.Delete(blob.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !gone.Gone() || gone.Path != "" || gone.Seqno() != 2 {
		t.Fatalf("unexpected tombstone %+v", gone)
	}

	got, err := store.Get(blob.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Gone() {
		t.Fatalf("Get should return the tombstone")
	}
	if _, err := got.Open(); !common.IsKind(err, common.NotFound) {
		t.Fatalf("tombstone has no body, got %v", err)
	}

	diff, err := store.Diff(ranges.New(2, 2), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 1 || !diff[0].Gone() {
		t.Fatalf("tombstone should be part of the diff, got %v", diff)
	}
}

func TestUpdateKeepsSeqno(t *testing.T) {
	store, _ := newTestStore(t)

	blob, err := store.Post(strings.NewReader("x"), PostOptions{})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := store.Update(blob.Key, Meta{{"content-type", "image/png"}, {HeaderSeqno, "99"}})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Seqno() != blob.Seqno() || updated.MimeType() != "image/png" {
		t.Fatalf("unexpected meta %v", updated.Meta)
	}
}

func TestPostURL(t *testing.T) {
	store, _ := newTestStore(t)

	blob, err := store.PostURL("http://example.com/a.xo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if blob.Location() != "http://example.com/a.xo" || blob.Path != "" {
		t.Fatalf("unexpected blob %+v", blob)
	}
}

func TestDiffRegistersFiles(t *testing.T) {
	store, seqno := newTestStore(t)

	if _, err := store.Post(strings.NewReader("content"), PostOptions{}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(store.FilesRoot(), "packages", "a")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "1.txt"), []byte("one"), 0644)
	os.WriteFile(filepath.Join(store.FilesRoot(), "top.txt"), []byte("top"), 0644)

	diff, err := store.Diff(ranges.Full(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(diff))
	}
	for i := 1; i < len(diff); i++ {
		if diff[i-1].Seqno() >= diff[i].Seqno() {
			t.Fatalf("diff not in seqno order")
		}
	}
	if seqno.n != 3 {
		t.Fatalf("files should have been registered, seqno %d", seqno.n)
	}

	again, err := store.Diff(ranges.New(2, ranges.Inf), "packages")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].Key != "packages/a/1.txt" {
		t.Fatalf("unexpected path diff %v", again)
	}

	var walked []string
	store.Walk("", ranges.Full(), false, func(b *Blob) error {
		walked = append(walked, b.Key)
		return nil
	})
	if len(walked) != 1 || walked[0] != "top.txt" {
		t.Fatalf("non-recursive walk => %v", walked)
	}
}

func TestPatch(t *testing.T) {
	src, _ := newTestStore(t)
	dst, _ := newTestStore(t)

	blob, err := src.Post(bytes.NewReader([]byte("shipped")), PostOptions{})
	if err != nil {
		t.Fatal(err)
	}

	spool := filepath.Join(t.TempDir(), "spool")
	os.WriteFile(spool, []byte("shipped"), 0644)

	in := &Blob{Key: blob.Key, Path: spool, Meta: blob.Meta.Clone()}
	placed, written, err := dst.Patch(in, true)
	if err != nil {
		t.Fatal(err)
	}
	if !written || placed.Seqno() != 1 || readBody(t, placed) != "shipped" {
		t.Fatalf("unexpected patched blob %+v", placed)
	}

	t.Run("replay", func(t *testing.T) {
		spool := filepath.Join(t.TempDir(), "spool")
		os.WriteFile(spool, []byte("shipped"), 0644)
		in := &Blob{Key: blob.Key, Path: spool, Meta: blob.Meta.Clone()}
		got, written, err := dst.Patch(in, true)
		if err != nil {
			t.Fatal(err)
		}
		if written || got.Seqno() != 1 {
			t.Fatalf("a blob stored as received should be left alone, got %+v", got)
		}
		if _, err := os.Stat(spool); err != nil {
			t.Fatalf("the incoming body should not be consumed: %v", err)
		}
	})

	t.Run("tombstone", func(t *testing.T) {
		tomb := &Blob{Key: blob.Key, Meta: Meta{{HeaderStatus, StatusGone}}}
		got, written, err := dst.Patch(tomb, true)
		if err != nil {
			t.Fatal(err)
		}
		if !written || !got.Gone() || got.Path != "" || got.Seqno() != 2 {
			t.Fatalf("expected tombstone, got %+v", got)
		}

		got, written, err = dst.Patch(tomb, true)
		if err != nil {
			t.Fatal(err)
		}
		if written || got.Seqno() != 2 {
			t.Fatalf("a replayed tombstone should be left alone, got %+v", got)
		}
	})

	t.Run("path", func(t *testing.T) {
		spool := filepath.Join(t.TempDir(), "spool")
		os.WriteFile(spool, []byte("file"), 0644)
		in := &Blob{Key: "x", Path: spool, Meta: Meta{{HeaderPath, "dir/x.txt"}}}
		got, _, err := dst.Patch(in, false)
		if err != nil {
			t.Fatal(err)
		}
		if got.Key != "dir/x.txt" || readBody(t, got) != "file" || got.Seqno() != 0 {
			t.Fatalf("unexpected path blob %+v", got)
		}

		// same size, other content
		os.WriteFile(spool, []byte("edit"), 0644)
		got, written, err := dst.Patch(in, false)
		if err != nil {
			t.Fatal(err)
		}
		if !written || readBody(t, got) != "edit" {
			t.Fatalf("a changed file should be written, got %+v", got)
		}
	})

	t.Run("digest-mismatch", func(t *testing.T) {
		spool := filepath.Join(t.TempDir(), "spool")
		os.WriteFile(spool, []byte("tampered"), 0644)
		in := &Blob{Key: strings.Repeat("a", 40), Path: spool}
		if _, _, err := dst.Patch(in, true); !common.IsKind(err, common.BadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})

	t.Run("escape", func(t *testing.T) {
		in := &Blob{Key: "x", Meta: Meta{{HeaderPath, "../etc/passwd"}}}
		if _, _, err := dst.Patch(in, true); !common.IsKind(err, common.BadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})
}

func TestStorageFull(t *testing.T) {
	store, err := NewStore(t.TempDir(), &counter{}, ^uint64(0), common.NewTestEntry(t, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Post(strings.NewReader("x"), PostOptions{})
	if !common.IsKind(err, common.StorageFull) {
		t.Fatalf("expected StorageFull, got %v", err)
	}
}

func TestWatcherRegisters(t *testing.T) {
	store, _ := newTestStore(t)

	watcher, err := NewWatcher(store, common.NewTestEntry(t, "watcher"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to add the tree
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(store.FilesRoot(), "dropped.txt"), []byte("dropped"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(store.FilesRoot(), "dropped.txt"+metaSuffix)); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dropped file was not registered")
}
