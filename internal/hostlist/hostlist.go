// Package hostlist loads hosts-file formatted block lists and performs
// longest-suffix domain membership tests against them.
package hostlist

import (
	"os"
	"strings"

	"github.com/archiveproxy/archiveproxy/internal/urlutil"
)

// List is a set of blocked/allowed hostnames loaded from one or more
// hosts-file formatted files.
type List struct {
	hosts map[string]struct{}
}

// New returns an empty List.
func New() *List {
	return &List{hosts: make(map[string]struct{})}
}

// AddHostsFromFile parses filename (hosts-file format: "#" comments, an
// optional "0.0.0.0 " prefix, one hostname per line) and adds its hosts to
// the list.
func (l *List) AddHostsFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	l.AddHostsFromText(string(data))
	return nil
}

// AddHostsFromText parses text the same way AddHostsFromFile parses a file's
// contents.
func (l *List) AddHostsFromText(text string) {
	for _, line := range strings.Split(text, "\n") {
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "0.0.0.0")
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}
		l.hosts[line] = struct{}{}
	}
}

// HasHosts reports whether the list has any entries.
func (l *List) HasHosts() bool { return len(l.hosts) > 0 }

// Contains reports whether rawURL's host is a longest-suffix match against
// the list: the full "host[:port]" is tried first, then progressively
// shorter suffixes are tried by dropping the left-most label.
func (l *List) Contains(rawURL string) bool {
	domain := urlutil.GetHostnamePort(rawURL)
	for {
		if _, ok := l.hosts[domain]; ok {
			return true
		}
		domain = urlutil.GetWithoutFirstDomain(domain)
		if domain == "" {
			return false
		}
	}
}
