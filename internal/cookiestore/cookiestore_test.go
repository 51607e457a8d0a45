package cookiestore

import "testing"

func TestSetAndList(t *testing.T) {
	s := New()
	s.Set("http://a.com/", "a=1; Path=/")
	s.Set("http://a.com/", "b=2")
	got := s.GetCookiesList("http://a.com/x")
	if got != "a=1; b=2" {
		t.Fatalf("GetCookiesList = %q", got)
	}
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	s := New()
	s.Set("http://a.com/", "a=1")
	if got := s.GetCookiesList("http://a.com/"); got != "a=1" {
		t.Fatalf("GetCookiesList = %q", got)
	}
	s.Set("http://a.com/", "b=2")
	if got := s.GetCookiesList("http://a.com/"); got != "a=1; b=2" {
		t.Fatalf("stale cache after write: %q", got)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := New()
	s.Set("http://a.com/", "a=1")
	s.Set("http://b.com/", "x=y")

	data := s.Serialize()

	out := New()
	out.Deserialize(data)

	if got := out.GetCookiesList("http://a.com/"); got != "a=1" {
		t.Fatalf("a.com cookies after round trip = %q", got)
	}
	if got := out.GetCookiesList("http://b.com/"); got != "x=y" {
		t.Fatalf("b.com cookies after round trip = %q", got)
	}
}
