package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"tailscale.com/tsweb"

	"github.com/archiveproxy/archiveproxy/internal/archive"
	"github.com/archiveproxy/archiveproxy/internal/cookiestore"
	"github.com/archiveproxy/archiveproxy/internal/headerstore"
	"github.com/archiveproxy/archiveproxy/internal/hostlist"
	"github.com/archiveproxy/archiveproxy/internal/orchestrator"
	"github.com/archiveproxy/archiveproxy/internal/proxylog"
	"github.com/archiveproxy/archiveproxy/internal/s3mirror"
	"github.com/archiveproxy/archiveproxy/internal/settings"
	"github.com/archiveproxy/archiveproxy/internal/urlutil"
)

var flags struct {
	InputFile  string `flag:"i,default=$ARCHIVEPROXY_INPUT,Input archive file"`
	OutputFile string `flag:"o,default=$ARCHIVEPROXY_OUTPUT,Output archive file"`
	BothFile   string `flag:"f,default=$ARCHIVEPROXY_FILE,Archive file to use as both input and output"`
	URL        string `flag:"u,default=$ARCHIVEPROXY_URL,Initial URL to open"`

	DownloadPolicy string `flag:"d,default=standard,Download policy: standard | always | never"`
	ServePolicy    string `flag:"s,default=latest,Serve policy: latest | last_archived | first_archived"`
	ArchivePolicy  string `flag:"a,default=latest,Archive policy: latest | first | latest_and_first | requested"`

	RefreshTimeout time.Duration `flag:"refresh-timeout,default=1s,Timeout for refreshing an expired archived entry"`
	RequestTimeout time.Duration `flag:"request-timeout,default=5s,Timeout for a single upstream request"`

	BlockHostsFiles      []string `flag:"block-hosts-file,Host-blocking list file (repeatable)"`
	InjectJavascriptFile string   `flag:"inject-js-file,default=$ARCHIVEPROXY_INJECT_JS,JavaScript file to inject into every page"`
	ProxyServer          string   `flag:"proxy,default=$HTTP_PROXY,Upstream HTTP proxy HOST[:PORT]"`

	NoAppend              bool `flag:"no-append,Do not append unrequested files on exit"`
	AllowLossyCompression bool `flag:"allow-lossy-compression,Allow recompressing images to save space"`
	OpenBrowser           bool `flag:"open-browser,default=$ARCHIVEPROXY_OPEN_BROWSER,Open the initial URL in the system browser"`
	PatchBaseTag          bool `flag:"patch-base-tag,default=true,Rewrite/insert <base href> in served HTML"`
	Verbose               bool `flag:"v,default=$ARCHIVEPROXY_VERBOSE,Enable verbose logging"`

	Listen     string `flag:"listen,default=127.0.0.1:0,Address to listen on"`
	DebugAddr  string `flag:"debug-addr,default=$ARCHIVEPROXY_DEBUG_ADDR,Serve pprof/expvar/health on this address"`
	PrintMetrics bool `flag:"metrics,Print summary metrics to stderr at exit"`

	MirrorBucket string `flag:"mirror-bucket,default=$ARCHIVEPROXY_MIRROR_BUCKET,S3 bucket to mirror the archive to"`
	MirrorRegion string `flag:"mirror-region,default=$ARCHIVEPROXY_MIRROR_REGION,S3 region for --mirror-bucket"`
	MirrorPrefix string `flag:"mirror-prefix,default=$ARCHIVEPROXY_MIRROR_PREFIX,S3 key prefix for --mirror-bucket"`
}

// vprintf acts as log.Printf if the -v flag is set; otherwise it
// discards its input.
func vprintf(msg string, args ...any) {
	if flags.Verbose {
		fmt.Fprintf(os.Stderr, msg+"\n", args...)
	}
}

// buildSettings resolves the parsed flags into a settings.Settings,
// applying the -f convenience (sets both input and output) and the
// default-output-filename rule from Settings.cpp's interpret_commandline.
func buildSettings(env *command.Env, extraArgs []string) (settings.Settings, error) {
	s := settings.Default()
	s.InputFile = flags.InputFile
	s.OutputFile = flags.OutputFile
	if flags.BothFile != "" {
		s.InputFile = flags.BothFile
		s.OutputFile = flags.BothFile
	}
	s.URL = flags.URL
	if s.URL == "" && len(extraArgs) > 0 {
		last := extraArgs[len(extraArgs)-1]
		if urlutil.GetScheme(last) != "" {
			s.URL = last
		} else if s.OutputFile == "" {
			s.OutputFile = last
		}
	}
	if s.URL != "" {
		s.URL = urlutil.URLFromInput(s.URL)
	}
	if s.OutputFile == "" && s.InputFile == "" && s.URL != "" {
		s.OutputFile = urlutil.FilenameFromURL(s.URL) + ".zip"
	}

	if dp, ok := settings.ParseDownloadPolicy(flags.DownloadPolicy); ok {
		s.DownloadPolicy = dp
	} else {
		return s, env.Usagef("invalid -d value %q", flags.DownloadPolicy)
	}
	if sp, ok := settings.ParseServePolicy(flags.ServePolicy); ok {
		s.ServePolicy = sp
	} else {
		return s, env.Usagef("invalid -s value %q", flags.ServePolicy)
	}
	if ap, ok := settings.ParseArchivePolicy(flags.ArchivePolicy); ok {
		s.ArchivePolicy = ap
	} else {
		return s, env.Usagef("invalid -a value %q", flags.ArchivePolicy)
	}

	s.RefreshTimeout = flags.RefreshTimeout
	s.RequestTimeout = flags.RequestTimeout
	s.Append = !flags.NoAppend
	s.AllowLossyCompression = flags.AllowLossyCompression
	s.OpenBrowser = flags.OpenBrowser
	s.PatchBaseTag = flags.PatchBaseTag
	s.Verbose = flags.Verbose
	s.BlockHostsFiles = flags.BlockHostsFiles
	s.InjectJavascriptFile = flags.InjectJavascriptFile
	s.ProxyServer = flags.ProxyServer

	if err := s.Validate(); err != nil {
		return s, env.Usagef("%v", err)
	}
	return s, nil
}

// run starts one recording/replay session and blocks until the client
// hits the exit endpoint or the process receives a termination signal.
func run(env *command.Env, extraArgs ...string) error {
	s, err := buildSettings(env, extraArgs)
	if err != nil {
		return err
	}

	logger := proxylog.New(os.Stderr, flags.Verbose)

	var inputReader *archive.Reader
	var inputHeaders *headerstore.Store
	var uid string
	cookies := cookiestore.New()
	ctx := env.Context()

	var mirror *s3mirror.Mirror
	if flags.MirrorBucket != "" {
		mirror, err = s3mirror.New(ctx, s3mirror.Config{
			Bucket: flags.MirrorBucket,
			Region: flags.MirrorRegion,
			Prefix: flags.MirrorPrefix,
		})
		if err != nil {
			return fmt.Errorf("init s3 mirror: %w", err)
		}
	}

	if s.InputFile != "" {
		if _, statErr := os.Stat(s.InputFile); statErr != nil && mirror != nil {
			if faultErr := mirror.FaultIn(ctx, filepath.Base(s.InputFile), s.InputFile); faultErr != nil {
				logger.Fatalf("fault in input archive: %v", faultErr)
				return faultErr
			}
		}
		inputReader = &archive.Reader{}
		if err := inputReader.Open(s.InputFile); err != nil {
			logger.Fatalf("open input archive %q: %v", s.InputFile, err)
			return fmt.Errorf("open input archive: %w", err)
		}
		defer inputReader.Close()

		inputHeaders = headerstore.New()
		if data, _, rerr := inputReader.Read("headers"); rerr == nil {
			inputHeaders.Deserialize(data)
		}
		if data, _, rerr := inputReader.Read("cookies"); rerr == nil {
			cookies.Deserialize(data)
		}
		if s.URL == "" {
			if data, _, rerr := inputReader.Read("url"); rerr == nil {
				s.URL = string(data)
			}
		}
		if data, _, rerr := inputReader.Read("uid"); rerr == nil {
			uid = string(data)
		}
	}
	if uid == "" {
		var err error
		uid, err = newSessionUID()
		if err != nil {
			return fmt.Errorf("generate session uid: %w", err)
		}
	}

	var writer *archive.Writer
	if s.OutputFile != "" {
		writer = &archive.Writer{}
		outPath := s.OutputFile
		if s.Append && s.InputFile != "" && s.InputFile == s.OutputFile {
			outPath = s.OutputFile + ".tmp"
			writer.MoveOnClose(s.OutputFile, true)
		}
		if err := writer.Open(outPath); err != nil {
			logger.Fatalf("open output archive %q: %v", outPath, err)
			return fmt.Errorf("open output archive: %w", err)
		}
	}

	blocklist := hostlist.New()
	for _, f := range s.BlockHostsFiles {
		if err := blocklist.AddHostsFromFile(f); err != nil {
			logger.Event(proxylog.Error, "block-hosts-file", f, err)
		}
	}

	var injectJS []byte
	if s.InjectJavascriptFile != "" {
		injectJS, err = os.ReadFile(s.InjectJavascriptFile)
		if err != nil {
			return fmt.Errorf("read inject-js-file: %w", err)
		}
	}

	serverBase := urlutil.GetSchemeHostnamePort(s.URL)
	orch := orchestrator.New(s, logger, writer, inputReader, inputHeaders, cookies, blocklist, injectJS, serverBase)
	if s.ProxyServer != "" {
		proxyURL, perr := parseProxyServer(s.ProxyServer)
		if perr != nil {
			return fmt.Errorf("invalid --proxy: %w", perr)
		}
		orch.Client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}

	lst, err := net.Listen("tcp", flags.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	expvar.Publish("archiveproxy", orch.Metrics.Map())
	mux := http.NewServeMux()
	mux.Handle("/", orch)
	srv := &http.Server{Handler: mux}

	exitc := make(chan struct{})
	orch.OnShutdown = func() { close(exitc) }

	if flags.DebugAddr != "" {
		dmux := http.NewServeMux()
		tsweb.Debugger(dmux)
		go http.ListenAndServe(flags.DebugAddr, dmux)
		vprintf("debug endpoints listening at %q", flags.DebugAddr)
	}

	go func() {
		if serveErr := srv.Serve(lst); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("server exited: %v", serveErr)
		}
	}()

	localBase := "http://" + lst.Addr().String()
	vprintf("listening at %s", localBase)

	if s.OpenBrowser && s.URL != "" {
		path := strings.TrimPrefix(s.URL, urlutil.GetSchemeHostnamePort(s.URL))
		if err := openBrowser(localBase + path); err != nil {
			vprintf("open browser: %v", err)
		}
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	select {
	case <-exitc:
		vprintf("exit endpoint hit, shutting down")
	case <-sigCtx.Done():
		vprintf("signal received, shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	orch.Wait()
	if s.Append {
		orch.AppendUnrequestedFiles()
	}

	var closeErr error
	if writer != nil {
		writer.Write("headers", orch.Headers().Serialize(), time.Time{}, false)
		writer.Write("cookies", cookies.Serialize(), time.Time{}, false)
		writer.Write("url", []byte(s.URL), time.Time{}, false)
		writer.Write("uid", []byte(uid), time.Time{}, false)
		closeErr = writer.Close()
	}
	if mirror != nil && s.OutputFile != "" {
		finalPath := s.OutputFile
		mirror.PushAsync(finalPath)
		if werr := mirror.Wait(); werr != nil {
			logger.Event(proxylog.Error, "mirror push failed", werr)
		}
	}

	if flags.Verbose || flags.PrintMetrics {
		fmt.Fprintf(os.Stderr, "%s\n", orch.Metrics.String())
	}
	return closeErr
}

// newSessionUID returns a fresh 16-hex-digit session identifier with its
// first byte forced into [0x00, 0x80), matching the format a reopened
// input archive's "uid" key is expected to carry.
func newSessionUID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	b[0] &= 0x7f
	return hex.EncodeToString(b), nil
}

// parseProxyServer turns a HOST[:PORT] value into a proxy URL, defaulting
// to the http scheme the way Settings.cpp's --proxy flag does.
func parseProxyServer(hostport string) (*url.URL, error) {
	if strings.Contains(hostport, "://") {
		return url.Parse(hostport)
	}
	return url.Parse("http://" + hostport)
}
