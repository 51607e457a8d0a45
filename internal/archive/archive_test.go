package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriterWriteAndReaderRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")

	var w Writer
	if err := w.Open(path); err != nil {
		t.Fatal(err)
	}
	if !w.Write("index.html", []byte("<html></html>"), time.Unix(1700000000, 0), false) {
		t.Fatal("expected write to succeed")
	}
	if w.Write("index.html", []byte("again"), time.Time{}, false) {
		t.Fatal("expected duplicate write to be rejected")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var r Reader
	if err := r.Open(path); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if !r.Contains("index.html") {
		t.Fatal("expected archive to contain index.html")
	}
	data, _, err := r.Read("index.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<html></html>" {
		t.Fatalf("got %q", data)
	}
}

func TestWriterAsyncWriteSerializesThroughSingleGoroutine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")

	var w Writer
	if err := w.Open(path); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		name := filepath.Join("file", string(rune('a'+i%26)))
		w.AsyncWrite(name+string(rune(i)), []byte("x"), time.Time{}, false, func(ok bool) {
			wg.Done()
		})
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != n {
		t.Fatalf("got %d entries, want %d", len(zr.File), n)
	}
}

func TestCompressiblePolicySelectsStoreForImages(t *testing.T) {
	if isLikelyCompressible("photo.JPG") {
		t.Fatal("expected jpg to be stored, not deflated")
	}
	if !isLikelyCompressible("index.html") {
		t.Fatal("expected html to be deflated")
	}
}

func TestReaderReadVersionOverlayResolution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")

	var w Writer
	if err := w.Open(path); err != nil {
		t.Fatal(err)
	}
	w.Write("http/a.com/x", []byte("latest"), time.Time{}, false)
	w.Write("first/http/a.com/x", []byte("original"), time.Time{}, false)
	w.Write("http/a.com/y", []byte("only-copy"), time.Time{}, false)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var r Reader
	if err := r.Open(path); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.SetOverlayPath("first/")

	if data, _, err := r.ReadVersion("http/a.com/x", VersionTop); err != nil || string(data) != "original" {
		t.Fatalf("VersionTop = %q, %v; want %q", data, err, "original")
	}
	if data, _, err := r.ReadVersion("http/a.com/x", VersionBase); err != nil || string(data) != "latest" {
		t.Fatalf("VersionBase = %q, %v; want %q", data, err, "latest")
	}
	if data, _, err := r.ReadVersion("http/a.com/x", VersionOverlay); err != nil || string(data) != "original" {
		t.Fatalf("VersionOverlay = %q, %v; want %q", data, err, "original")
	}

	// y has no overlay entry, so VersionTop falls back to the base copy.
	if data, _, err := r.ReadVersion("http/a.com/y", VersionTop); err != nil || string(data) != "only-copy" {
		t.Fatalf("VersionTop fallback = %q, %v; want %q", data, err, "only-copy")
	}
	if _, _, err := r.ReadVersion("http/a.com/y", VersionOverlay); err == nil {
		t.Fatal("expected VersionOverlay to fail when no overlay entry exists")
	}
}

func TestReaderReadVersionOverlayUnset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")

	var w Writer
	if err := w.Open(path); err != nil {
		t.Fatal(err)
	}
	w.Write("http/a.com/x", []byte("latest"), time.Time{}, false)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var r Reader
	if err := r.Open(path); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if data, _, err := r.ReadVersion("http/a.com/x", VersionTop); err != nil || string(data) != "latest" {
		t.Fatalf("VersionTop with no overlay configured = %q, %v; want %q", data, err, "latest")
	}
	if _, _, err := r.ReadVersion("http/a.com/x", VersionOverlay); err == nil {
		t.Fatal("expected VersionOverlay to fail when no overlay path is configured")
	}
}

func TestMoveOnCloseRenamesOnCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tmp.zip")
	target := filepath.Join(dir, "out.zip")

	if err := os.WriteFile(target, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	var w Writer
	if err := w.Open(src); err != nil {
		t.Fatal(err)
	}
	w.Write("a.txt", []byte("hi"), time.Time{}, false)
	w.MoveOnClose(target, false)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	renamed := target + " [2]"
	if _, err := os.Stat(renamed); err != nil {
		t.Fatalf("expected renamed archive at %s: %v", renamed, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("expected source temp file to be gone")
	}
}
