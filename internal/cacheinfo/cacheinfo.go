// Package cacheinfo evaluates HTTP caching headers to decide whether an
// archived response is still fresh.
package cacheinfo

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/archiveproxy/archiveproxy/internal/urlutil"
)

// Info is the outcome of evaluating a response's cache headers.
type Info struct {
	Expired          bool
	LastModifiedTime time.Time
	ETag             string
}

// Get evaluates status, the response header and the request header and
// returns the resulting cache info, or ok=false if the request or the
// response carries "Cache-Control: no-store".
//
// Cache-Control is consulted in (request, then response) order and the
// first directive match wins; per spec this differs from RFC 7234
// precedence but matches this proxy's archival semantics.
func Get(statusCode int, responseHeader, requestHeader http.Header) (Info, bool) {
	maxAge, ok := maxAgeSeconds(responseHeader, requestHeader)
	if !ok {
		return Info{}, false
	}

	age := time.Now().Unix()
	if date := responseHeader.Get("Date"); date != "" {
		age -= urlutil.ParseTime(date).Unix()
	}

	info := Info{Expired: age > maxAge}

	// 301 is never treated as expired: a permanent redirect does not need
	// revalidation.
	if statusCode == http.StatusMovedPermanently {
		info.Expired = false
	}

	if lm := responseHeader.Get("Last-Modified"); lm != "" {
		info.LastModifiedTime = urlutil.ParseTime(lm)
	}
	info.ETag = responseHeader.Get("ETag")

	return info, true
}

// maxAgeSeconds implements the Cache-Control / Expires / heuristic max-age
// rules from spec.md 4.H. ok is false only for an explicit "no-store".
func maxAgeSeconds(responseHeader, requestHeader http.Header) (maxAge int64, ok bool) {
	for _, h := range []http.Header{requestHeader, responseHeader} {
		cc := h.Get("Cache-Control")
		if cc == "" {
			continue
		}
		if strings.Contains(cc, "no-store") {
			return 0, false
		}
		if strings.Contains(cc, "no-cache") {
			return 0, true
		}
		if v, found := directiveValue(cc, "s-max-age="); found {
			return v, true
		}
		if v, found := directiveValue(cc, "max-age="); found {
			return v, true
		}
	}

	date := responseHeader.Get("Date")
	if date == "" {
		return 0, true
	}
	dateTime := urlutil.ParseTime(date)

	if expires := responseHeader.Get("Expires"); expires != "" {
		return urlutil.ParseTime(expires).Unix() - dateTime.Unix(), true
	}
	if lastModified := responseHeader.Get("Last-Modified"); lastModified != "" {
		return (dateTime.Unix() - urlutil.ParseTime(lastModified).Unix()) / 10, true
	}
	return 0, true
}

func directiveValue(cacheControl, prefix string) (int64, bool) {
	i := strings.Index(cacheControl, prefix)
	if i < 0 {
		return 0, false
	}
	rest := cacheControl[i+len(prefix):]
	end := strings.IndexAny(rest, ", ")
	if end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
