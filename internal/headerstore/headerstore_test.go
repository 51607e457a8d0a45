package headerstore

import (
	"net/http"
	"testing"
)

func TestWriteRead(t *testing.T) {
	s := New()
	h := http.Header{}
	h.Add("Content-Type", "text/html")
	s.Write("http://a.com/", 200, h)

	e, ok := s.Read("http://a.com/")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.Status != 200 || e.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := New()
	h1 := http.Header{}
	h1.Add("Content-Type", "text/html")
	h1.Add("Set-Cookie", "a=1")
	h1.Add("Set-Cookie", "b=2")
	s.Write("http://a.com/", 200, h1)

	h2 := http.Header{}
	h2.Add("Location", "http://a.com/redirected")
	s.Write("http://a.com/redirect", 301, h2)

	data := s.Serialize()

	out := New()
	out.Deserialize(data)

	if out.Len() != s.Len() {
		t.Fatalf("entry count mismatch: %d != %d", out.Len(), s.Len())
	}
	for url, want := range s.Entries() {
		got, ok := out.Read(url)
		if !ok {
			t.Fatalf("missing entry for %q after round trip", url)
		}
		if got.Status != want.Status {
			t.Fatalf("status mismatch for %q: %d != %d", url, got.Status, want.Status)
		}
		for name, values := range want.Header {
			if len(got.Header[name]) != len(values) {
				t.Fatalf("header %q mismatch for %q: %v != %v", name, url, got.Header[name], values)
			}
		}
	}
}

func TestDeserializeTolerant(t *testing.T) {
	s := New()
	s.Deserialize([]byte("200 http://a.com/\r\n\tbroken-header-no-colon\r\n\tContent-Type:\r\n"))
	e, ok := s.Read("http://a.com/")
	if !ok {
		t.Fatal("expected entry despite malformed header line")
	}
	if v := e.Header.Get("Content-Type"); v != "" {
		t.Fatalf("expected blank value to be allowed, got %q", v)
	}
}
