// Package urlutil implements the pure URL and filename manipulation helpers
// used throughout the proxy: absolute/relative resolution, identifying-URL
// and archive-filename derivation, and legal-filename mapping.
package urlutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/dchest/siphash"
)

// zero 128-bit siphash key: collisions are acceptably rare here and the hash
// is not security sensitive, only used to keep filenames and identifying
// URLs short and distinct.
var hashKey0, hashKey1 uint64

// GetHash returns the lower-case, zero-padded 16-digit hex siphash-2-4
// digest of data.
func GetHash(data []byte) string {
	h := siphash.Hash(hashKey0, hashKey1, data)
	return fmt.Sprintf("%016x", h)
}

const timeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatTime renders t as an HTTP-date ("Wed, 21 Oct 2015 07:28:00 GMT").
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses an HTTP-date. The zero time is returned on failure.
func ParseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetScheme returns the scheme prefix of url ("http", "https", ...) or ""
// if url has none (i.e. is relative).
func GetScheme(url string) string {
	if strings.HasPrefix(url, "http:") {
		return "http"
	}
	if strings.HasPrefix(url, "https:") {
		return "https"
	}
	for i := 0; i < len(url); i++ {
		c := url[i]
		if c == ':' {
			return url[:i]
		}
		if c < 'a' || c > 'z' {
			return ""
		}
	}
	return ""
}

// IsRelativeURL reports whether url has no scheme.
func IsRelativeURL(url string) bool {
	return GetScheme(url) == ""
}

// IsSameURL reports whether a and b name the same resource, ignoring a
// single trailing slash.
func IsSameURL(a, b string) bool {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimSuffix(b, "/")
	return a == b
}

// GetHostnamePort returns "host[:port]" for an absolute url, or "" if url
// is relative.
func GetHostnamePort(url string) string {
	if IsRelativeURL(url) {
		return ""
	}
	begin := strings.Index(url, "://")
	if begin < 0 {
		return ""
	}
	begin += 3
	rest := url[begin:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rest[:slash]
	}
	return rest
}

// GetHostname returns the hostname portion (without port) of an absolute url.
func GetHostname(url string) string {
	if IsRelativeURL(url) {
		return ""
	}
	hp := GetHostnamePort(url)
	if colon := strings.IndexByte(hp, ':'); colon >= 0 {
		return hp[:colon]
	}
	return hp
}

// GetSchemeHostnamePort returns "scheme://host[:port]" for an absolute url,
// or url itself if it is relative.
func GetSchemeHostnamePort(url string) string {
	if IsRelativeURL(url) {
		return url
	}
	begin := strings.Index(url, "://")
	if begin < 0 {
		return ""
	}
	begin += 3
	if slash := strings.IndexByte(url[begin:], '/'); slash >= 0 {
		return url[:begin+slash]
	}
	return url
}

// GetSchemeHostnamePortPath returns url with any query string or fragment
// stripped.
func GetSchemeHostnamePortPath(url string) string {
	n := -1
	question := strings.IndexByte(url, '?')
	hash := strings.IndexByte(url, '#')
	switch {
	case question >= 0 && hash >= 0:
		if hash < question {
			n = hash
		} else {
			n = question
		}
	case question >= 0:
		n = question
	case hash >= 0:
		n = hash
	}
	if n < 0 {
		return url
	}
	return url[:n]
}

// GetSchemeHostnamePortPathBase returns the directory part of url's path,
// i.e. everything up to and including the last slash.
func GetSchemeHostnamePortPathBase(url string) string {
	if IsRelativeURL(url) {
		return url
	}
	path := GetSchemeHostnamePortPath(url)
	if path == GetSchemeHostnamePort(url) {
		return path
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i+1]
	}
	return path
}

// GetWithoutFirstDomain strips the left-most label of a hostname, e.g.
// "www.example.com" -> "example.com". Returns "" if there is no further
// label to strip.
func GetWithoutFirstDomain(hostname string) string {
	if dot := strings.IndexByte(hostname, '.'); dot >= 0 {
		return hostname[dot+1:]
	}
	return ""
}

// GetFileExtension returns the lower-case file extension (without dot) of
// url's path, or "" if the path has none.
func GetFileExtension(url string) string {
	path := GetSchemeHostnamePortPath(url)
	dot := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	if dot >= 0 && dot > slash {
		return path[dot+1:]
	}
	return ""
}

// ToAbsoluteURL resolves ref against relativeTo the way a browser resolves
// an href: "//host/..." inherits the base scheme, "/path" replaces the base
// path, other relative references are joined to the base path with the
// trailing segment removed, and the result is normalized by collapsing
// "/./" and "/../".
func ToAbsoluteURL(ref, relativeTo string) string {
	if !IsRelativeURL(ref) {
		return ref
	}

	basePathBegin := len(GetSchemeHostnamePort(relativeTo))
	base := relativeTo[:min(basePathBegin, len(relativeTo))]

	if strings.HasPrefix(ref, "/") {
		if strings.HasPrefix(ref, "//") {
			return GetScheme(relativeTo) + ":" + ref
		}
		return base + ref
	}

	basePathEnd := len(GetSchemeHostnamePortPath(relativeTo))
	if basePathEnd < basePathBegin {
		basePathEnd = basePathBegin
	}
	path := relativeTo[basePathBegin:basePathEnd]

	if lastSlash := strings.LastIndexByte(path, '/'); lastSlash >= 0 {
		path = path[:lastSlash+1]
	} else {
		path += "/"
	}
	path += ref

	path = strings.ReplaceAll(path, "/./", "/")
	for {
		i := strings.Index(path, "/..")
		if i < 0 {
			break
		}
		if i == 0 {
			path = path[3:]
			continue
		}
		slash := strings.LastIndexByte(path[:i], '/')
		if slash < 0 {
			slash = 0
		}
		path = path[:slash] + path[i+3:]
	}
	path = collapseDoubleSlash(path)

	return base + path
}

func collapseDoubleSlash(s string) string {
	for {
		i := strings.Index(s, "//")
		if i < 0 {
			return s
		}
		s = s[:i] + s[i+1:]
	}
}

// ToRelativeURL returns url relative to baseURL, if url is prefixed by it;
// otherwise url is returned unchanged.
func ToRelativeURL(url, baseURL string) string {
	if strings.HasPrefix(url, baseURL) {
		if url == baseURL {
			return "/"
		}
		return url[len(baseURL):]
	}
	return url
}

// SplitContentType splits a Content-Type header value into its mime type
// and charset parameter (both trimmed); charset is "" if absent.
func SplitContentType(contentType string) (mimeType, charset string) {
	mimeType = contentType
	semicolon := strings.IndexByte(contentType, ';')
	if semicolon < 0 {
		return strings.TrimSpace(mimeType), ""
	}
	mimeType = contentType[:semicolon]
	if pos := strings.Index(contentType[semicolon:], "charset"); pos >= 0 {
		pos += semicolon
		if eq := strings.IndexByte(contentType[pos:], '='); eq >= 0 {
			charset = contentType[pos+eq+1:]
		}
	}
	return strings.TrimSpace(mimeType), strings.Trim(strings.TrimSpace(charset), `"'`)
}

// GetContentType composes a Content-Type header value from a mime type and
// charset.
func GetContentType(mimeType, charset string) string {
	return mimeType + "; charset=" + charset
}

// ToLocalFilename derives the deterministic archive key for url: the scheme
// separator "://" becomes "/", duplicate slashes collapse, a trailing slash
// gets "index" appended, and keys over maxLength bytes are truncated with a
// siphash suffix of the truncated tail.
func ToLocalFilename(url string, maxLength int) string {
	if hash := strings.IndexByte(url, '#'); hash >= 0 {
		url = url[:hash]
	}
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[:i] + "/" + url[i+3:]
	}
	for strings.Contains(url, "//") {
		url = strings.ReplaceAll(url, "//", "/")
	}
	if strings.HasSuffix(url, "/") {
		url += "index"
	}
	if maxLength <= 0 {
		maxLength = 255
	}
	if len(url) > maxLength {
		cut := maxLength - 17
		if cut < 0 {
			cut = 0
		}
		rest := url[cut:]
		url = url[:cut] + "~" + GetHash([]byte(rest))
	}
	return url
}

// confusable Unicode analogues of characters illegal in filenames on common
// platforms; see https://unicode.org/cldr/utility/confusables.jsp
var legalReplacements = map[rune]rune{
	'/':  '╱', // BOX DRAWINGS LIGHT DIAGONAL UPPER RIGHT TO LOWER LEFT
	'\\': '╲', // BOX DRAWINGS LIGHT DIAGONAL UPPER LEFT TO LOWER RIGHT
	'<':  '⟨', // MATHEMATICAL LEFT ANGLE BRACKET
	'>':  '⟩', // MATHEMATICAL RIGHT ANGLE BRACKET
	':':  '꞉', // MODIFIER LETTER COLON
	'"':  'ˮ', // MODIFIER LETTER DOUBLE APOSTROPHE
	'|':  '∣', // DIVIDES
	'*':  '∗', // ASTERISK OPERATOR
	'?':  '？', // FULLWIDTH QUESTION MARK
}

// GetLegalFilename replaces characters illegal in filenames with visually
// confusable Unicode look-alikes, so the result never contains
// / \ : < > " | * ?.
func GetLegalFilename(filename string) string {
	var b strings.Builder
	b.Grow(len(filename))
	for _, r := range filename {
		if repl, ok := legalReplacements[r]; ok {
			r = repl
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FilenameFromURL derives a human-legible file/directory name for url,
// suitable as a default archive output name.
func FilenameFromURL(url string) string {
	filename := ToLocalFilename(url, 255)
	if i := strings.IndexByte(filename, '/'); i >= 0 {
		filename = filename[i+1:]
	}
	filename = strings.TrimSuffix(filename, "/index")
	return GetLegalFilename(filename)
}

// URLFromInput prefixes "http://" onto a bare host/path typed by a user if
// it does not already carry a scheme.
func URLFromInput(input string) string {
	if strings.Contains(input, "://") {
		return input
	}
	return "http://" + input
}

// GetIdentifyingURL returns the key under which a response is archived: url
// unchanged if body is empty, otherwise url with "h=<siphash(body)>"
// appended as a query parameter.
func GetIdentifyingURL(url string, body []byte) string {
	if len(body) == 0 {
		return url
	}
	delim := byte('?')
	if strings.Contains(url, "?") {
		delim = '&'
	}
	return url + string(delim) + "h=" + GetHash(body)
}

// URLToRegex compiles url into a regex source string that matches the same
// URL under either http or https and, if subDomains is true, under any
// subdomain of its host.
func URLToRegex(url string, subDomains bool) string {
	regex := strings.ReplaceAll(url, "https://", "http://")
	regex = strings.ReplaceAll(regex, "http://", "https?://")
	if subDomains {
		regex = strings.ReplaceAll(regex, "://", "://([^/]+.)?")
	}
	regex = strings.ReplaceAll(regex, ".", `\.`)
	regex = strings.ReplaceAll(regex, "/", `\/`)
	return "^" + regex + ".*"
}

// UnpatchURL strips the single leading "/" a patched absolute URL embedded
// in a document was given (see package htmlpatch) when the remainder starts
// with "http:" or "https:".
func UnpatchURL(url string) string {
	if strings.HasPrefix(url, "/http:") || strings.HasPrefix(url, "/https:") {
		return url[1:]
	}
	return url
}

// PatchAbsoluteURL prefixes an absolute URL with "/" so a client re-requests
// it through the proxy instead of going directly to origin.
func PatchAbsoluteURL(url string) string {
	if IsRelativeURL(url) {
		return url
	}
	return "/" + url
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
