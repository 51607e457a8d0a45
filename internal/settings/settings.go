// Package settings holds the frozen, fully-resolved configuration the
// orchestrator is constructed with. Settings is immutable once built
// (spec.md 5, "Settings: frozen after construction"); cmd/archiveproxy
// binds CLI flags with creachadair/flax and turns them into a Settings
// value once, at startup.
package settings

import (
	"time"

	"github.com/archiveproxy/archiveproxy/internal/policy"
)

// Settings is the resolved configuration for one proxy session.
type Settings struct {
	URL        string
	InputFile  string
	OutputFile string

	DownloadPolicy policy.DownloadPolicy
	ServePolicy    policy.ServePolicy
	ArchivePolicy  policy.ArchivePolicy

	RefreshTimeout time.Duration
	RequestTimeout time.Duration

	Append                 bool
	AllowLossyCompression  bool
	OpenBrowser            bool
	PatchBaseTag           bool
	Verbose                bool

	BlockHostsFiles     []string
	InjectJavascriptFile string
	ProxyServer         string
}

// Default returns a Settings with the same defaults as the original
// CLI: standard download policy, serve-latest, archive-latest, a
// 1-second refresh timeout and a 5-second request timeout, appending
// enabled.
func Default() Settings {
	return Settings{
		DownloadPolicy: policy.DownloadStandard,
		ServePolicy:    policy.ServeLatest,
		ArchivePolicy:  policy.ArchiveLatest,
		RefreshTimeout: 1 * time.Second,
		RequestTimeout: 5 * time.Second,
		Append:         true,
	}
}

// ParseDownloadPolicy maps the -d flag's argument to a DownloadPolicy.
func ParseDownloadPolicy(s string) (policy.DownloadPolicy, bool) {
	switch s {
	case "standard", "":
		return policy.DownloadStandard, true
	case "always":
		return policy.DownloadAlways, true
	case "never":
		return policy.DownloadNever, true
	}
	return 0, false
}

// ParseServePolicy maps the -s flag's argument to a ServePolicy.
func ParseServePolicy(s string) (policy.ServePolicy, bool) {
	switch s {
	case "latest", "":
		return policy.ServeLatest, true
	case "last_archived":
		return policy.ServeLastArchived, true
	case "first_archived":
		return policy.ServeFirstArchived, true
	}
	return 0, false
}

// ParseArchivePolicy maps the -a flag's argument to an ArchivePolicy.
func ParseArchivePolicy(s string) (policy.ArchivePolicy, bool) {
	switch s {
	case "latest", "":
		return policy.ArchiveLatest, true
	case "first":
		return policy.ArchiveFirst, true
	case "latest_and_first":
		return policy.ArchiveLatestAndFirst, true
	case "requested":
		return policy.ArchiveRequested, true
	}
	return 0, false
}

// Validate reports whether s has enough information to start a
// session: at least one of URL or InputFile must be set, and if
// neither input nor output file is given there is nowhere to persist
// the recording.
func (s Settings) Validate() error {
	if s.URL == "" && s.InputFile == "" {
		return errNoURLOrInput
	}
	if s.InputFile == "" && s.OutputFile == "" {
		return errNoArchiveFile
	}
	return nil
}

var (
	errNoURLOrInput  = settingsError("no URL or input archive file given")
	errNoArchiveFile = settingsError("no input or output archive file given")
)

type settingsError string

func (e settingsError) Error() string { return string(e) }
