package urlutil

import (
	"testing"
	"time"
)

func TestToAbsoluteURL(t *testing.T) {
	cases := []struct{ ref, base, want string }{
		{"../file.txt", "http://b.com/sub/sub/index", "http://b.com/sub/file.txt"},
		{"//a.com/x", "https://b.com", "https://a.com/x"},
		{"/path", "http://b.com/sub/index", "http://b.com/path"},
		{"file.txt", "http://b.com/sub/index", "http://b.com/sub/file.txt"},
	}
	for _, c := range cases {
		if got := ToAbsoluteURL(c.ref, c.base); got != c.want {
			t.Errorf("ToAbsoluteURL(%q, %q) = %q, want %q", c.ref, c.base, got, c.want)
		}
	}
}

func TestToRelativeURLRoundTrip(t *testing.T) {
	base := "http://example.com"
	u := "http://example.com/a/b/c"
	rel := ToRelativeURL(u, base)
	if got := ToAbsoluteURL(rel, base); got != u {
		t.Fatalf("round trip mismatch: ToAbsoluteURL(%q, %q) = %q, want %q", rel, base, got, u)
	}
}

func TestIsSameURL(t *testing.T) {
	if !IsSameURL("http://a.com", "http://a.com/") {
		t.Fatal("expected trailing-slash URLs to be considered the same")
	}
}

func TestGetLegalFilename(t *testing.T) {
	illegal := `/\:<>"|*?`
	out := GetLegalFilename("a" + illegal + "b")
	for _, c := range illegal {
		for _, r := range out {
			if r == c {
				t.Fatalf("GetLegalFilename output contains illegal char %q: %q", c, out)
			}
		}
	}
}

func TestToLocalFilename(t *testing.T) {
	if got := ToLocalFilename("http://a.com/", 255); got != "http/a.com/index" {
		t.Fatalf("ToLocalFilename = %q", got)
	}
	long := "http://a.com/" + string(make([]byte, 300))
	if got := ToLocalFilename(long, 255); len(got) > 255 {
		t.Fatalf("ToLocalFilename exceeded max length: %d", len(got))
	}
}

func TestFilenameFromURL(t *testing.T) {
	if got := FilenameFromURL("http://a.com/file.txt"); got != "a.com╱file.txt" {
		t.Fatalf("FilenameFromURL = %q", got)
	}
}

func TestFormatParseTimeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	got := ParseTime(FormatTime(now))
	if !got.Equal(now) {
		t.Fatalf("round trip mismatch: %v != %v", got, now)
	}
}

func TestGetIdentifyingURL(t *testing.T) {
	if got := GetIdentifyingURL("http://a.com/x", nil); got != "http://a.com/x" {
		t.Fatalf("expected unchanged url for empty body, got %q", got)
	}
	withBody := GetIdentifyingURL("http://a.com/x", []byte("body"))
	if withBody == "http://a.com/x" {
		t.Fatal("expected identifying url to differ when body present")
	}
	withQuery := GetIdentifyingURL("http://a.com/x?y=1", []byte("body"))
	if !contains(withQuery, "&h=") {
		t.Fatalf("expected '&h=' when query present: %q", withQuery)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestURLToRegex(t *testing.T) {
	re := URLToRegex("http://example.com/path", false)
	if re != `^https?:\/\/example\.com\/path.*` {
		t.Fatalf("URLToRegex = %q", re)
	}
}
