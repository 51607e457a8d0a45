package htmlpatch

import (
	"strings"
	"testing"
	"time"
)

func TestPatchHTMLInjectsBootstrapScript(t *testing.T) {
	in := []byte(`<html><head><title>x</title></head><body>hi</body></html>`)
	out := PatchHTML("", "http://a.com/", in, "/__inject.js", "a=1", time.Unix(1700000000, 0))
	s := string(out)
	if !strings.Contains(s, "__webrecorder = {") {
		t.Fatalf("expected bootstrap script, got %s", s)
	}
	if !strings.Contains(s, `src='/__inject.js'`) {
		t.Fatalf("expected injected script src, got %s", s)
	}
	if !strings.Contains(s, `cookies:'a=1'`) {
		t.Fatalf("expected cookies literal, got %s", s)
	}
	if !strings.Contains(s, "response_time:1700000000") {
		t.Fatalf("expected response_time literal, got %s", s)
	}
}

func TestPatchHTMLInsertsSyntheticBaseWhenAbsent(t *testing.T) {
	in := []byte(`<html><head></head><body></body></html>`)
	out := PatchHTML("", "http://a.com/dir/page.html", in, "", "", time.Time{})
	if !strings.Contains(string(out), "<base href='http://a.com/dir/page.html'>") {
		t.Fatalf("expected injected base tag, got %s", out)
	}
}

func TestPatchHTMLRewritesExistingBaseTag(t *testing.T) {
	in := []byte(`<html><head><base href="/other/"></head><body></body></html>`)
	out := PatchHTML("", "http://a.com/dir/page.html", in, "", "", time.Time{})
	if !strings.Contains(string(out), `<base href="http://a.com/other/">`) {
		t.Fatalf("expected rewritten base href, got %s", out)
	}
}

func TestPatchHTMLStripsIntegrityAndCrossorigin(t *testing.T) {
	in := []byte(`<html><head><script src="x.js" integrity="sha256-abc" crossorigin="anonymous"></script></head><body></body></html>`)
	out := PatchHTML("", "http://a.com/", in, "", "", time.Time{})
	s := string(out)
	if strings.Contains(s, "integrity=") || strings.Contains(s, "crossorigin=") {
		t.Fatalf("expected integrity/crossorigin stripped, got %s", s)
	}
	if !strings.Contains(s, `src="x.js"`) {
		t.Fatalf("expected src attribute kept, got %s", s)
	}
}

func TestPatchCSSRewritesURLFunctions(t *testing.T) {
	in := []byte(`body { background: url(/img/a.png); } .b { background: url("http://other.com/b.png"); }`)
	out := PatchCSS("http://a.com/styles/x.css", in)
	s := string(out)
	if !strings.Contains(s, "url(http://a.com/img/a.png)") {
		t.Fatalf("expected relative url resolved, got %s", s)
	}
	if !strings.Contains(s, "url(/http://other.com/b.png)") {
		t.Fatalf("expected absolute url patched with leading slash, got %s", s)
	}
}

func TestPatchCSSSkipsDataURIs(t *testing.T) {
	in := []byte(`body { background: url(data:image/png;base64,AAAA); }`)
	out := PatchCSS("http://a.com/", in)
	if string(out) != string(in) {
		t.Fatalf("expected data: URI left untouched, got %s", out)
	}
}
