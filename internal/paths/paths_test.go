package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCachePathsNested(t *testing.T) {
	root := Cache()
	for _, p := range []string{DependencyCache(), Layers()} {
		if filepath.Dir(p) != root {
			t.Fatalf("%q is not directly under cache root %q", p, root)
		}
	}
	if DependencyCache() == Layers() {
		t.Fatal("dependency cache and layer cache share a directory")
	}
}

func TestRuntimeFiles(t *testing.T) {
	if !strings.HasSuffix(Socket(), "uvimage.sock") {
		t.Fatalf("Socket() = %q", Socket())
	}
	if filepath.Dir(PIDFile()) != Runtime() {
		t.Fatalf("PIDFile() = %q, want under %q", PIDFile(), Runtime())
	}
}
