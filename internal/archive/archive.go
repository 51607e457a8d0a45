// Package archive implements the ZIP-backed archive store: a concurrent
// reader over a pool of independently opened zip handles, and a writer
// whose AsyncWrite work runs on a single background goroutine, while its
// synchronous Write is serialized by the writer's mutex.
//
// Grounded on original_source/src/Archive.{h,cpp}: the reader keeps a
// pool of "unzip contexts" guarded by a mutex instead of one shared
// handle, and the writer owns a single worker thread draining a FIFO
// task queue. Go's archive/zip.Reader is itself safe for concurrent
// Open calls, but the pool of independently opened *zip.ReadCloser is
// kept anyway to mirror that design. The pool is not a hard limit:
// acquire opens another handle whenever none is idle, even past
// maxPooledHandles.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/archiveproxy/archiveproxy/internal/lossy"
)

func init() {
	// Registering a faster DEFLATE implementation speeds up archive
	// writes without changing the on-disk format; any standard zip
	// reader can still open the resulting file.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
}

var noCompressExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".otf": true, ".woff": true, ".woff2": true,
}

func isLikelyCompressible(filename string) bool {
	return !noCompressExt[strings.ToLower(filepath.Ext(filename))]
}

// FileInfo describes one archived entry's metadata.
type FileInfo struct {
	CompressedSize   uint64
	UncompressedSize uint64
	ModTime          time.Time
}

const maxPooledHandles = 4

// Reader gives concurrent, read-only access to a single zip archive by
// pooling independently-opened handles.
type Reader struct {
	filename string

	mu      sync.Mutex
	pool    []*zip.ReadCloser
	opened  int
	entries map[string]*zip.File
	overlay string
}

// Version selects which copy of a key ReadVersion returns when the
// reader has an overlay path configured.
type Version int

const (
	// VersionTop tries the overlay copy first and falls back to the
	// base (root) key if no overlay path is set or it has no entry.
	VersionTop Version = iota
	// VersionOverlay reads only the overlay copy.
	VersionOverlay
	// VersionBase reads only the base (root) key, ignoring any overlay.
	VersionBase
)

// SetOverlayPath configures prefix as the namespace ReadVersion
// consults before the base key under VersionTop. An empty prefix
// disables overlay resolution.
func (r *Reader) SetOverlayPath(prefix string) {
	r.mu.Lock()
	r.overlay = prefix
	r.mu.Unlock()
}

// Open opens filename for reading. It verifies the archive can be
// opened at least once before returning.
func (r *Reader) Open(filename string) error {
	r.Close()
	r.filename = filename
	r.entries = nil
	r.overlay = ""
	zr, err := r.acquire()
	if err != nil {
		return err
	}
	r.entries = make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		r.entries[f.Name] = f
	}
	r.release(zr)
	return nil
}

func (r *Reader) acquire() (*zip.ReadCloser, error) {
	r.mu.Lock()
	if n := len(r.pool); n > 0 {
		zr := r.pool[n-1]
		r.pool = r.pool[:n-1]
		r.mu.Unlock()
		return zr, nil
	}
	if r.opened >= maxPooledHandles {
		// Fall through and open one more beyond the soft cap rather
		// than block; archives are read far more often than the cap
		// would realistically throttle.
	}
	r.opened++
	r.mu.Unlock()

	zr, err := zip.OpenReader(r.filename)
	if err != nil {
		r.mu.Lock()
		r.opened--
		r.mu.Unlock()
		return nil, err
	}
	return zr, nil
}

func (r *Reader) release(zr *zip.ReadCloser) {
	r.mu.Lock()
	r.pool = append(r.pool, zr)
	r.mu.Unlock()
}

// Close releases all pooled handles.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, zr := range r.pool {
		if err := zr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pool = nil
	r.opened = 0
	return firstErr
}

// Contains reports whether filename exists in the archive.
func (r *Reader) Contains(filename string) bool {
	r.mu.Lock()
	_, ok := r.entries[filename]
	r.mu.Unlock()
	return ok
}

// GetFileInfo returns metadata for filename, or ok=false if absent.
func (r *Reader) GetFileInfo(filename string) (FileInfo, bool) {
	r.mu.Lock()
	f, ok := r.entries[filename]
	r.mu.Unlock()
	if !ok {
		return FileInfo{}, false
	}
	return FileInfo{
		CompressedSize:   f.CompressedSize64,
		UncompressedSize: f.UncompressedSize64,
		ModTime:          f.Modified,
	}, true
}

// Read returns the decompressed contents of filename.
func (r *Reader) Read(filename string) ([]byte, time.Time, error) {
	r.mu.Lock()
	f, ok := r.entries[filename]
	r.mu.Unlock()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("archive: %q not found", filename)
	}
	zr, err := r.acquire()
	if err != nil {
		return nil, time.Time{}, err
	}
	defer r.release(zr)

	rc, err := f.Open()
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, f.Modified, nil
}

// ReadVersion reads filename according to v. VersionTop consults the
// overlay path configured by SetOverlayPath before falling back to the
// base key; VersionOverlay and VersionBase force one side without a
// fallback.
func (r *Reader) ReadVersion(filename string, v Version) ([]byte, time.Time, error) {
	r.mu.Lock()
	overlay := r.overlay
	r.mu.Unlock()

	switch v {
	case VersionBase:
		return r.Read(filename)
	case VersionOverlay:
		if overlay == "" {
			return nil, time.Time{}, fmt.Errorf("archive: no overlay path configured")
		}
		return r.Read(overlay + filename)
	default: // VersionTop
		if overlay != "" {
			if data, modTime, err := r.Read(overlay + filename); err == nil {
				return data, modTime, nil
			}
		}
		return r.Read(filename)
	}
}

// ForEachFile calls fn for every entry name in the archive.
func (r *Reader) ForEachFile(fn func(name string)) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		fn(name)
	}
}

//-------------------------------------------------------------------------

// Writer appends to a zip archive under construction. AsyncWrite queues
// work onto a single background goroutine so the caller does not wait for
// disk or compression; Write does the work on the caller's goroutine.
type Writer struct {
	filename    string
	moveOnClose string
	overwrite   bool

	mu        sync.Mutex
	zw        *zip.Writer
	file      *os.File
	filenames map[string]bool

	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open creates filename (truncating any existing file) and starts the
// background writer goroutine.
func (w *Writer) Open(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w.filename = filename
	w.file = f
	w.zw = zip.NewWriter(f)
	w.filenames = make(map[string]bool)
	w.tasks = make(chan func(), 64)
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	return nil
}

// MoveOnClose registers a path the finished archive should be moved to
// when Close succeeds.
func (w *Writer) MoveOnClose(target string, overwrite bool) {
	w.moveOnClose = target
	w.overwrite = overwrite
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case task, ok := <-w.tasks:
			if !ok {
				return
			}
			task()
		case <-w.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) insertTask(task func()) {
	w.tasks <- task
}

// Contains reports whether filename has already been written in this
// session (guards against writing the same entry twice).
func (w *Writer) Contains(filename string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filenames[filename]
}

func (w *Writer) updateFilenames(filename string) bool {
	if strings.HasPrefix(filename, "/") {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filenames[filename] {
		return false
	}
	w.filenames[filename] = true
	return true
}

// Write synchronously appends filename to the archive. modTime of the
// zero value is replaced with the current time.
func (w *Writer) Write(filename string, data []byte, modTime time.Time, allowLossyCompression bool) bool {
	if !w.updateFilenames(filename) {
		return false
	}
	return w.doWrite(filename, data, modTime, allowLossyCompression)
}

func (w *Writer) doWrite(filename string, data []byte, modTime time.Time, allowLossyCompression bool) bool {
	if modTime.IsZero() {
		modTime = time.Now()
	}
	if allowLossyCompression {
		if smaller, ok := lossy.TryCompress(data); ok {
			data = smaller
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zw == nil {
		return false
	}

	method := zip.Deflate
	if !isLikelyCompressible(filename) {
		method = zip.Store
	}
	fw, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     filename,
		Method:   method,
		Modified: modTime,
	})
	if err != nil {
		return false
	}
	_, err = io.Copy(fw, bytes.NewReader(data))
	return err == nil
}

// AsyncWrite enqueues a write and invokes onComplete from the writer
// goroutine once it finishes. It never blocks the caller on I/O.
func (w *Writer) AsyncWrite(filename string, data []byte, modTime time.Time, allowLossyCompression bool, onComplete func(ok bool)) {
	if !w.updateFilenames(filename) {
		if onComplete != nil {
			onComplete(false)
		}
		return
	}
	w.insertTask(func() {
		ok := w.doWrite(filename, data, modTime, allowLossyCompression)
		if onComplete != nil {
			onComplete(ok)
		}
	})
}

// Close drains pending writes, finalizes the zip central directory, and
// (if MoveOnClose was set) relocates the finished archive into place.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	var err error
	if w.zw != nil {
		err = w.zw.Close()
	}
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	w.zw = nil
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if w.moveOnClose == "" {
		return nil
	}
	return moveFile(w.filename, resolveTarget(w.moveOnClose, w.overwrite))
}

func resolveTarget(target string, overwrite bool) string {
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return target
	}
	if overwrite {
		os.Remove(target)
		return target
	}
	for i := 2; i < 100; i++ {
		renamed := fmt.Sprintf("%s [%d]", target, i)
		if _, err := os.Stat(renamed); errors.Is(err, os.ErrNotExist) {
			return renamed
		}
	}
	return target
}

func moveFile(source, target string) error {
	if err := os.Rename(source, target); err == nil {
		return nil
	}
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(source)
}
