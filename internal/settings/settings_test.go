package settings

import (
	"testing"

	"github.com/archiveproxy/archiveproxy/internal/policy"
)

func TestParseDownloadPolicy(t *testing.T) {
	cases := map[string]policy.DownloadPolicy{
		"standard": policy.DownloadStandard,
		"always":   policy.DownloadAlways,
		"never":    policy.DownloadNever,
	}
	for in, want := range cases {
		got, ok := ParseDownloadPolicy(in)
		if !ok || got != want {
			t.Errorf("ParseDownloadPolicy(%q) = %v, %v; want %v, true", in, got, ok, want)
		}
	}
	if _, ok := ParseDownloadPolicy("bogus"); ok {
		t.Error("expected bogus policy to be rejected")
	}
}

func TestValidateRequiresArchiveFile(t *testing.T) {
	s := Default()
	s.URL = "http://a.com/"
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error with no input/output file")
	}
	s.OutputFile = "out.zip"
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
