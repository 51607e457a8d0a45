package s3mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigKeyJoinsPrefix(t *testing.T) {
	c := Config{Bucket: "b", Prefix: "archives"}
	if got, want := c.key("out.zip"), "archives/out.zip"; got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
	bare := Config{Bucket: "b"}
	if got, want := bare.key("out.zip"), "out.zip"; got != want {
		t.Errorf("key() with no prefix = %q, want %q", got, want)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("zero Config should not be enabled")
	}
	if !(Config{Bucket: "b"}).Enabled() {
		t.Error("Config with a bucket should be enabled")
	}
}

func TestNewReturnsNilForDisabledConfig(t *testing.T) {
	m, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil Mirror for disabled config")
	}
}

func TestFaultInSkipsDownloadWhenFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.zip")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Mirror{cfg: Config{Bucket: "b"}}
	if err := m.FaultIn(context.Background(), "out.zip", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "existing" {
		t.Error("FaultIn overwrote a file that already existed locally")
	}
}
