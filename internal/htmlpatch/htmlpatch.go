// Package htmlpatch rewrites HTML and CSS bodies before they are served
// back to the browser: it strips subresource-integrity attributes (the
// archived copy no longer matches the hash the origin computed), keeps
// the document's <base> tag pointed at an address that routes back
// through the proxy, and injects a small bootstrap <script> carrying
// the request's cookies and timing into the page.
//
// Grounded on original_source/src/HtmlPatcher.cpp: a tree walk over a
// lenient tokenizer schedules byte-range replacements ("patches")
// keyed by source offset, later applied in a single sorted pass that
// skips any overlap. golang.org/x/net/html is the lenient tokenizer
// used in place of gumbo; its Raw() gives the exact source bytes of
// each token so offsets can be tracked by summing token lengths.
package htmlpatch

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/archiveproxy/archiveproxy/internal/urlutil"
)

type edit struct {
	start, end int
	text       string
}

type patcher struct {
	serverBase string
	baseURL    string
	cookies    string
	injectJS   string
	respTime   time.Time
	data       []byte
	edits      []edit
}

// PatchHTML rewrites an HTML document per the algorithm above and
// returns the patched bytes.
func PatchHTML(serverBase, baseURL string, data []byte, injectJSPath, cookies string, responseTime time.Time) []byte {
	p := &patcher{
		serverBase: serverBase,
		baseURL:    baseURL,
		cookies:    cookies,
		injectJS:   injectJSPath,
		respTime:   responseTime,
		data:       data,
	}
	p.walk()
	return p.apply()
}

// PatchCSS rewrites url(...) references in a stylesheet body (or an
// inline <style> block) so every reference resolves back through the
// proxy, using baseURL to resolve any relative reference it finds.
func PatchCSS(baseURL string, data []byte) []byte {
	p := &patcher{baseURL: baseURL, data: data}
	p.scanCSSURLs(0, data)
	return p.apply()
}

var (
	integrityOrCrossorigin = map[string]bool{"integrity": true, "crossorigin": true}
	cssURLRe               = regexp.MustCompile(`url\(\s*(['"]?)([^'")]*)(['"]?)\s*\)`)
)

func (p *patcher) walk() {
	z := html.NewTokenizer(bytes.NewReader(p.data))
	pos := 0
	injectionPoint := -1
	headEnd := -1
	hasBaseTag := false
	inStyle := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := z.Raw()
		tokStart := pos
		tokEnd := pos + len(raw)
		pos = tokEnd

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)

			if hasAttr {
				for {
					key, val, more := z.TagAttr()
					k := string(key)
					v := string(val)
					if integrityOrCrossorigin[k] && v != "" {
						if s, e, ok := findAttrRegion(raw, k, v); ok {
							p.schedule(tokStart+s, tokStart+e, "")
						}
					}
					if tag == "base" && k == "href" {
						if s, e, ok := findAttrValueRegion(raw, k, v); ok {
							newBase := urlutil.ToAbsoluteURL(v, p.baseURL)
							p.baseURL = newBase
							p.schedule(tokStart+s, tokStart+e, urlutil.GetSchemeHostnamePortPath(newBase))
						}
						hasBaseTag = true
					}
					if k == "srcset" {
						if s, e, ok := findAttrValueRegion(raw, k, v); ok {
							p.schedule(tokStart+s, tokStart+e, rewriteSrcset(v, p.baseURL))
						}
					}
					if !more {
						break
					}
				}
			}

			if tag == "head" {
				headEnd = tokEnd
			}
			if injectionPoint == -1 && (tag == "base" || tag == "script") {
				injectionPoint = tokStart
			}
			if tag == "style" && tt == html.StartTagToken {
				inStyle = true
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "style" {
				inStyle = false
			}

		case html.TextToken:
			if inStyle {
				p.scanCSSURLs(tokStart, raw)
			}
		}
	}

	if injectionPoint == -1 {
		if headEnd != -1 {
			injectionPoint = headEnd
		} else {
			injectionPoint = len(p.data)
		}
	}
	if !hasBaseTag {
		p.injectBaseTag(injectionPoint)
	}
	p.injectBootstrapScript(injectionPoint)
}

func (p *patcher) schedule(start, end int, text string) {
	p.edits = append(p.edits, edit{start: start, end: end, text: text})
}

func (p *patcher) injectBaseTag(at int) {
	script := "<base href='" + urlutil.GetSchemeHostnamePortPath(p.baseURL) + "'>"
	p.schedule(at, at, script)
}

func (p *patcher) injectBootstrapScript(at int) {
	if p.injectJS == "" {
		return
	}
	escape := func(s string) string { return strings.ReplaceAll(s, "'", "\\'") }
	script := "<script type='text/javascript'>" +
		"__webrecorder = { " +
		"server_base:'" + escape(p.serverBase) + "', " +
		"origin:'" + escape(urlutil.GetSchemeHostnamePort(p.baseURL)) + "', " +
		"host:'" + escape(urlutil.GetHostnamePort(p.baseURL)) + "', " +
		"hostname:'" + escape(urlutil.GetHostname(p.baseURL)) + "', " +
		"cookies:'" + escape(p.cookies) + "', " +
		"response_time:" + strconv.FormatInt(p.respTime.Unix(), 10) + ", " +
		"}</script>" +
		"<script type='text/javascript' src='" + p.injectJS + "'></script>"
	p.schedule(at, at, script)
}

func (p *patcher) scanCSSURLs(offset int, data []byte) {
	for _, m := range cssURLRe.FindAllSubmatchIndex(data, -1) {
		valStart, valEnd := m[4], m[5]
		if valStart < 0 {
			continue
		}
		link := strings.TrimSpace(string(data[valStart:valEnd]))
		if link == "" || strings.HasPrefix(link, "data:") {
			continue
		}
		// Replace the quotes too, so the rewritten reference is unquoted.
		p.schedule(offset+m[2], offset+m[7], rewriteLink(link, p.baseURL))
	}
}

func rewriteSrcset(value, baseURL string) string {
	candidates := strings.Split(value, ",")
	for i, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		parts := strings.Fields(c)
		if len(parts) == 0 {
			continue
		}
		parts[0] = rewriteLink(parts[0], baseURL)
		candidates[i] = strings.Join(parts, " ")
	}
	return strings.Join(candidates, ", ")
}

// rewriteLink resolves a reference found in CSS or a srcset candidate
// against baseURL. References that were already absolute (cross-origin
// or not) are prefixed so a client re-requests them through the proxy;
// originally-relative references resolve to a same-origin absolute URL
// and need no prefix, matching how the <base> tag is handled.
func rewriteLink(link, baseURL string) string {
	if urlutil.IsRelativeURL(link) {
		return urlutil.ToAbsoluteURL(link, baseURL)
	}
	return urlutil.PatchAbsoluteURL(link)
}

// findAttrRegion locates the byte range of a whole "key=value" (or
// "key='value'") pair within raw, covering the key name through the
// end of the value (including a wrapping quote, if any) so the region
// can be dropped entirely.
func findAttrRegion(raw []byte, key, val string) (start, end int, ok bool) {
	ki := indexAttrKey(raw, key)
	if ki < 0 {
		return 0, 0, false
	}
	vs, ve, ok := findAttrValueRegion(raw, key, val)
	if !ok {
		return 0, 0, false
	}
	if ve < len(raw) && (raw[ve] == '"' || raw[ve] == '\'') {
		ve++
	}
	return ki, ve, true
}

// findAttrValueRegion locates the byte range of just the value text
// (unquoted) of key=value within raw.
func findAttrValueRegion(raw []byte, key, val string) (start, end int, ok bool) {
	ki := indexAttrKey(raw, key)
	if ki < 0 {
		return 0, 0, false
	}
	rest := raw[ki+len(key):]
	eq := bytes.IndexByte(rest, '=')
	if eq < 0 {
		return 0, 0, false
	}
	vi := bytes.Index(rest[eq+1:], []byte(val))
	if vi < 0 {
		return 0, 0, false
	}
	base := ki + len(key) + eq + 1 + vi
	return base, base + len(val), true
}

func indexAttrKey(raw []byte, key string) int {
	lower := bytes.ToLower(raw)
	return bytes.Index(lower, []byte(strings.ToLower(key)))
}

func (p *patcher) apply() []byte {
	sort.SliceStable(p.edits, func(i, j int) bool { return p.edits[i].start < p.edits[j].start })

	var out bytes.Buffer
	out.Grow(len(p.data))
	pos := 0
	for _, e := range p.edits {
		if e.start < pos {
			continue // overlapping region, skip defensively
		}
		out.Write(p.data[pos:e.start])
		out.WriteString(e.text)
		pos = e.end
	}
	out.Write(p.data[pos:])
	return out.Bytes()
}
