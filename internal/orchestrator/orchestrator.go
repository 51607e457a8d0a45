// Package orchestrator implements the request lifecycle that ties every
// other component together: URL normalization, the well-known proxy
// endpoints, host blocking, cache-policy evaluation, upstream
// forwarding, response patching, and the close-time archive pass.
//
// Grounded on original_source/src/Logic.cpp (the component spec.md 4.J
// distills). The original drives everything from a handful of
// callback-passing methods on a thread pool with one dedicated writer
// thread; net/http already hands each request its own goroutine, so the
// "small pool of OS threads" in spec.md 5 is modeled here as a bounded
// semaphore in front of ServeHTTP (nominally 5, matching the source's
// thread count) rather than a second scheduler layered on top of Go's.
// The archive writer still owns the one dedicated goroutine spec.md
// requires (see internal/archive), and background mirrored writes are
// bounded with creachadair/taskgroup, matching the single-slot queue
// internal/s3mirror uses for its own uploads.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/archiveproxy/archiveproxy/internal/archive"
	"github.com/archiveproxy/archiveproxy/internal/cacheinfo"
	"github.com/archiveproxy/archiveproxy/internal/cookiestore"
	"github.com/archiveproxy/archiveproxy/internal/headerstore"
	"github.com/archiveproxy/archiveproxy/internal/hostlist"
	"github.com/archiveproxy/archiveproxy/internal/htmlpatch"
	"github.com/archiveproxy/archiveproxy/internal/metrics"
	"github.com/archiveproxy/archiveproxy/internal/policy"
	"github.com/archiveproxy/archiveproxy/internal/proxylog"
	"github.com/archiveproxy/archiveproxy/internal/settings"
	"github.com/archiveproxy/archiveproxy/internal/urlutil"
)

const (
	injectJSPath  = "/__webrecorder.js"
	setCookiePath = "/__webrecorder_setcookie"
	exitPath      = "/__webrecorder_exit"
)

var hopByHopDropHeaders = []string{
	"Set-Cookie", "Connection", "Link", "Transfer-Encoding",
	"Timing-Allow-Origin", "Content-Security-Policy",
	"Content-Security-Policy-Report-Only", "X-Content-Security-Policy",
}

// Orchestrator owns one recording/replay session.
type Orchestrator struct {
	Settings settings.Settings
	Log      *proxylog.Logger
	Client   *http.Client

	Writer       *archive.Writer
	InputReader  *archive.Reader // may be nil if no input archive
	InputHeaders *headerstore.Store

	Cookies   *cookiestore.Store
	Blocklist *hostlist.List

	InjectJSCode []byte

	// Metrics counts request outcomes for the life of the session; see
	// internal/metrics. Never nil.
	Metrics *metrics.Counters

	// OnShutdown is invoked once, from the exit endpoint handler, after
	// replying 204; it should close the writer and terminate the server.
	OnShutdown func()

	writeMu      sync.Mutex
	headers      *headerstore.Store
	hsts         map[string]*regexp.Regexp // host -> url-regex upgraded to https
	bodyCache    map[string][]byte // identifying URL -> body written this session
	serverBase   atomic.Value // string
	multiThread  atomic.Bool
	startOnce    sync.Once
	bgTasks      *taskgroup.Group
	startBgTasks func(taskgroup.Task) *taskgroup.Group
	sem          chan struct{}
}

// firstArchivedOverlay is the archive key prefix under which the first
// downloaded copy of a URL is preserved once a later download has
// overwritten the root (latest) copy. See readArchived and
// AppendUnrequestedFiles.
const firstArchivedOverlay = "first/"

// New constructs an Orchestrator ready to serve requests. serverBase is
// the initial absolute "scheme://host[:port]" the session starts at.
func New(s settings.Settings, log *proxylog.Logger, writer *archive.Writer, input *archive.Reader, inputHeaders *headerstore.Store, cookies *cookiestore.Store, blocklist *hostlist.List, injectJS []byte, serverBase string) *Orchestrator {
	if input != nil {
		input.SetOverlayPath(firstArchivedOverlay)
	}
	o := &Orchestrator{
		Settings:     s,
		Log:          log,
		Client:       &http.Client{},
		Writer:       writer,
		InputReader:  input,
		InputHeaders: inputHeaders,
		Cookies:      cookies,
		Blocklist:    blocklist,
		InjectJSCode: injectJS,
		Metrics:      metrics.New(),
		headers:      headerstore.New(),
		hsts:         make(map[string]*regexp.Regexp),
		bodyCache:    make(map[string][]byte),
		sem:          make(chan struct{}, 5),
	}
	o.bgTasks, o.startBgTasks = taskgroup.New(nil).Limit(5)
	o.serverBase.Store(serverBase)
	if inputHeaders != nil {
		for url, entry := range inputHeaders.Entries() {
			o.headers.Write(url, entry.Status, entry.Header)
		}
	}
	return o
}

func (o *Orchestrator) ServerBase() string { return o.serverBase.Load().(string) }

func (o *Orchestrator) setServerBase(base string) {
	if o.multiThread.Load() {
		return // frozen after startup, per spec.md 5
	}
	o.serverBase.Store(base)
}

// Wait blocks until all background mirrored-write tasks have completed;
// call during shutdown before closing the writer.
func (o *Orchestrator) Wait() error { return o.bgTasks.Wait() }

// ServeHTTP implements the full request lifecycle documented in
// spec.md 4.J.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	o.Log.Event(proxylog.Accept, r.Method, r.URL.String())
	o.Metrics.Requests.Add(1)

	switch r.URL.Path {
	case exitPath:
		w.WriteHeader(http.StatusNoContent)
		if o.OnShutdown != nil {
			go o.OnShutdown()
		}
		return
	case injectJSPath:
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(o.InjectJSCode)
		return
	case setCookiePath:
		body, _ := io.ReadAll(r.Body)
		o.Cookies.Set(o.ServerBase(), string(body))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	url := o.normalizeRequestURL(r)

	if r.Method == http.MethodOptions {
		o.serveOptionsPreflight(w, r)
		return
	}

	if o.Blocklist != nil && o.Blocklist.HasHosts() && o.Blocklist.Contains(url) {
		o.Log.Event(proxylog.DownloadBlocked, url)
		o.Metrics.DownloadBlocked.Add(1)
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	identifyingURL := urlutil.GetIdentifyingURL(url, body)

	if o.tryServePreviouslyWritten(w, r, identifyingURL) {
		return
	}

	o.handleArchiveOrForward(w, r, url, identifyingURL, body)
}

func (o *Orchestrator) normalizeRequestURL(r *http.Request) string {
	path := urlutil.UnpatchURL(r.URL.Path)
	abs := urlutil.ToAbsoluteURL(path, o.ServerBase())
	if r.URL.RawQuery != "" {
		abs += "?" + r.URL.RawQuery
	}
	return o.applyHSTS(abs)
}

func (o *Orchestrator) applyHSTS(url string) string {
	if !strings.HasPrefix(url, "http://") {
		return url
	}
	host := urlutil.GetHostname(url)
	o.writeMu.Lock()
	re, ok := o.hsts[host]
	o.writeMu.Unlock()
	if ok && re.MatchString(url) {
		return "https://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (o *Orchestrator) recordHSTS(url string, includeSubDomains bool) {
	host := urlutil.GetHostname(url)
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	o.hsts[host] = regexp.MustCompile(urlutil.URLToRegex(urlutil.GetSchemeHostnamePort(url), includeSubDomains))
}

func (o *Orchestrator) serveOptionsPreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
		h.Set("Access-Control-Allow-Methods", m)
	}
	if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
		h.Set("Access-Control-Allow-Headers", hdrs)
	}
	h.Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) tryServePreviouslyWritten(w http.ResponseWriter, r *http.Request, identifyingURL string) bool {
	o.writeMu.Lock()
	data, seen := o.bodyCache[identifyingURL]
	entry, hasEntry := o.headers.Read(identifyingURL)
	o.writeMu.Unlock()
	if !seen || !hasEntry {
		return false
	}
	o.writeResponse(w, r, identifyingURL, entry.Status, entry.Header.Clone(), data, time.Now())
	return true
}

func (o *Orchestrator) handleArchiveOrForward(w http.ResponseWriter, r *http.Request, url, identifyingURL string, requestBody []byte) {
	entry, archived := o.headers.Read(identifyingURL)
	var info cacheinfo.Info
	if archived {
		info, _ = cacheinfo.Get(entry.Status, entry.Header, r.Header)
	}

	action := policy.Decide(archived, info.Expired, o.Settings.DownloadPolicy, o.Settings.ServePolicy)

	served := false
	if action.Serve {
		if data, _, err := o.readArchived(identifyingURL); err == nil {
			o.writeResponse(w, r, identifyingURL, entry.Status, entry.Header.Clone(), data, time.Now())
			served = true
			if action.Write {
				o.asyncMirrorWrite(identifyingURL, entry.Status, entry.Header.Clone(), data)
			}
		}
	}

	if action.Download {
		o.forwardUpstream(w, r, url, identifyingURL, requestBody, served)
		return
	}

	if !served {
		http.NotFound(w, r)
	}
}

// readArchived resolves the served body per the Version selector
// implied by ServePolicy: first_archived consults the overlay (the
// originally downloaded copy) before the root, everything else reads
// only the root (latest) copy.
func (o *Orchestrator) readArchived(identifyingURL string) ([]byte, time.Time, error) {
	if o.InputReader == nil {
		return nil, time.Time{}, fmt.Errorf("orchestrator: no input archive")
	}
	version := archive.VersionBase
	if o.Settings.ServePolicy == policy.ServeFirstArchived {
		version = archive.VersionTop
	}
	return o.InputReader.ReadVersion(urlutil.ToLocalFilename(identifyingURL, 255), version)
}

func (o *Orchestrator) asyncMirrorWrite(identifyingURL string, status int, header http.Header, body []byte) {
	o.startBgTasks(func() error {
		o.writeEntry(identifyingURL, status, header, body, time.Time{})
		return nil
	})
}

func (o *Orchestrator) forwardUpstream(w http.ResponseWriter, r *http.Request, url, identifyingURL string, requestBody []byte, alreadyServed bool) {
	req, err := http.NewRequest(r.Method, url, bytes.NewReader(requestBody))
	if err != nil {
		o.Log.Event(proxylog.DownloadFailed, url, err)
		o.Metrics.DownloadFailed.Add(1)
		if !alreadyServed {
			http.NotFound(w, r)
		}
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Referer")
	req.Header.Set("Referer", urlutil.GetSchemeHostnamePort(url))
	if cookies := o.Cookies.GetCookiesList(url); cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	entry, archived := o.headers.Read(identifyingURL)
	timeout := o.Settings.RequestTimeout
	if archived {
		info, _ := cacheinfo.Get(entry.Status, entry.Header, r.Header)
		if !info.LastModifiedTime.IsZero() {
			req.Header.Set("If-Modified-Since", urlutil.FormatTime(info.LastModifiedTime))
		}
		if info.ETag != "" {
			req.Header.Set("If-None-Match", info.ETag)
		}
		timeout = o.Settings.RefreshTimeout
	}

	ctx, cancel := contextWithTimeout(r.Context(), timeout)
	defer cancel()
	req = req.WithContext(ctx)

	o.Log.Event(proxylog.Download, url)
	resp, err := o.Client.Do(req)
	if err != nil {
		o.Log.Event(proxylog.DownloadFailed, url, err)
		o.Metrics.DownloadFailed.Add(1)
		if !alreadyServed {
			if data, _, rerr := o.readArchived(identifyingURL); rerr == nil {
				o.Log.Event(proxylog.DownloadOmitted, url)
				o.writeResponse(w, r, identifyingURL, entry.Status, entry.Header.Clone(), data, time.Now())
				return
			}
			http.NotFound(w, r)
		}
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		if !alreadyServed {
			if data, _, rerr := o.readArchived(identifyingURL); rerr == nil {
				o.Log.Event(proxylog.DownloadOmitted, url)
				o.writeResponse(w, r, identifyingURL, entry.Status, entry.Header.Clone(), data, time.Now())
				return
			}
			o.writeResponse(w, r, identifyingURL, resp.StatusCode, resp.Header.Clone(), respBody, time.Now())
		}
		return
	}

	o.Log.Event(proxylog.DownloadFinished, url)
	o.Metrics.DownloadFinished.Add(1)
	if !alreadyServed {
		o.writeResponse(w, r, identifyingURL, resp.StatusCode, resp.Header.Clone(), respBody, time.Now())
	}
	o.startBgTasks(func() error {
		o.writeEntry(identifyingURL, resp.StatusCode, resp.Header.Clone(), respBody, time.Now())
		return nil
	})
}

func (o *Orchestrator) writeEntry(identifyingURL string, status int, header http.Header, body []byte, modTime time.Time) {
	o.writeMu.Lock()
	o.headers.Write(identifyingURL, status, header)
	o.bodyCache[identifyingURL] = body
	o.writeMu.Unlock()

	filename := urlutil.ToLocalFilename(identifyingURL, 255)
	ok := o.Writer.Write(filename, body, modTime, o.Settings.AllowLossyCompression)
	if !ok && len(body) > 0 {
		o.Log.Event(proxylog.WritingFailed, identifyingURL)
		o.Metrics.WritingFailed.Add(1)
	}
}

// writeResponse is serve_file: it patches HTML, rewrites the response
// header, and sends status/header/body to the client.
func (o *Orchestrator) writeResponse(w http.ResponseWriter, r *http.Request, url string, status int, header http.Header, body []byte, responseTime time.Time) {
	isRedirect := status >= 300 && status < 400

	if !isRedirect {
		o.startOnce.Do(func() { o.multiThread.Store(true) })
	} else if loc := header.Get("Location"); loc != "" {
		target := urlutil.ToAbsoluteURL(loc, url)
		if urlutil.GetSchemeHostnamePort(target) != urlutil.GetSchemeHostnamePort(o.ServerBase()) {
			o.setServerBase(urlutil.GetSchemeHostnamePort(target))
		}
	}

	mime, charset := urlutil.SplitContentType(header.Get("Content-Type"))
	if charset == "" {
		charset = "utf-8"
	}

	for _, sc := range header.Values("Set-Cookie") {
		o.Cookies.Set(url, sc)
	}

	if mime == "text/html" && len(body) > 0 {
		body = htmlpatch.PatchHTML(o.ServerBase(), url, body, injectJSPath, o.Cookies.GetCookiesList(url), responseTime)
	} else if (mime == "text/css") && len(body) > 0 {
		body = htmlpatch.PatchCSS(url, body)
	}

	out := header.Clone()
	if loc := out.Get("Location"); loc != "" {
		target := urlutil.ToAbsoluteURL(loc, url)
		out.Set("Location", urlutil.ToRelativeURL(target, o.ServerBase()))
	}
	out.Set("Content-Length", strconv.Itoa(len(body)))

	if hsts := out.Get("Strict-Transport-Security"); hsts != "" {
		o.recordHSTS(url, strings.Contains(hsts, "includeSubDomains"))
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		out.Set("Access-Control-Allow-Origin", origin)
		out.Set("Access-Control-Allow-Credentials", "true")
	}

	for _, h := range hopByHopDropHeaders {
		out.Del(h)
	}
	out.Set("Cache-Control", "no-store")
	out.Set("Connection", "keep-alive")

	for name, values := range out {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(status)
	w.Write(body)
	o.Log.Event(proxylog.Served, url, status)
	o.Metrics.Served.Add(1)
}

// AppendUnrequestedFiles implements the close-time pass that copies
// archived entries the session never re-requested from the input
// archive into the output, per the configured ArchivePolicy.
func (o *Orchestrator) AppendUnrequestedFiles() {
	if o.Settings.ArchivePolicy == policy.ArchiveRequested || o.InputHeaders == nil || o.InputReader == nil {
		return
	}
	for _, url := range o.InputHeaders.SortedURLs() {
		o.writeMu.Lock()
		_, already := o.headers.Read(url)
		o.writeMu.Unlock()
		if already {
			continue
		}
		if o.Blocklist != nil && o.Blocklist.Contains(url) {
			continue
		}
		entry, _ := o.InputHeaders.Read(url)
		filename := urlutil.ToLocalFilename(url, 255)
		version := archive.VersionBase
		if o.Settings.ArchivePolicy == policy.ArchiveFirst {
			version = archive.VersionTop
		}
		data, modTime, err := o.InputReader.ReadVersion(filename, version)
		if err != nil {
			continue
		}
		o.writeMu.Lock()
		o.headers.Write(url, entry.Status, entry.Header)
		o.writeMu.Unlock()
		o.Writer.Write(filename, data, modTime, false)

		if o.Settings.ArchivePolicy == policy.ArchiveLatestAndFirst {
			if firstData, firstModTime, err := o.InputReader.ReadVersion(filename, archive.VersionOverlay); err == nil && !bytes.Equal(firstData, data) {
				o.Writer.Write(firstArchivedOverlay+filename, firstData, firstModTime, false)
			}
		}
	}
}

// Headers exposes the output HeaderStore, e.g. for final serialization
// at shutdown.
func (o *Orchestrator) Headers() *headerstore.Store { return o.headers }

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
