package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestImageTag(t *testing.T) {
	tag := imageTag("/some/archive.tar")

	if !strings.HasPrefix(tag, "import/") {
		t.Fatalf("tag %q missing import/ prefix", tag)
	}
	if !strings.HasSuffix(tag, ":latest") {
		t.Fatalf("tag %q missing :latest suffix", tag)
	}

	if imageTag("/some/archive.tar") != tag {
		t.Fatal("imageTag is not deterministic")
	}

	if imageTag("/other/archive.tar") == tag {
		t.Fatal("different paths produced the same tag")
	}
}

func TestDefaultPlatform(t *testing.T) {
	p := DefaultPlatform()
	if !strings.HasPrefix(p, "linux/") {
		t.Fatalf("DefaultPlatform = %q, want linux/<arch>", p)
	}
	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[1] == "" {
		t.Fatalf("DefaultPlatform = %q, want linux/<arch>", p)
	}
}

func TestIsArchive(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "image.oci")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		source string
		want   bool
	}{
		{"dist/image.tar", true},
		{file, true},
		{dir, false},
		{"docker.io/library/python:3.12-slim-bookworm", false},
		{"ghcr.io/astral-sh/uv:python3.12-bookworm-slim", false},
	}

	for _, tt := range tests {
		if got := isArchive(tt.source); got != tt.want {
			t.Errorf("isArchive(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestNormalizeReference(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"python:3.12-slim", "docker.io/library/python:3.12-slim"},
		{"python", "docker.io/library/python:latest"},
		{"ghcr.io/astral-sh/uv:python3.12-bookworm-slim", "ghcr.io/astral-sh/uv:python3.12-bookworm-slim"},
	}

	for _, tt := range tests {
		got, err := NormalizeReference(tt.ref)
		if err != nil {
			t.Fatalf("NormalizeReference(%q): %v", tt.ref, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeReference(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}

	if _, err := NormalizeReference("Not A Ref"); !errors.Is(err, ErrReference) {
		t.Fatalf("err = %v, want ErrReference", err)
	}
}
