package build

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

type tarEntry struct {
	name     string
	typeflag byte
	uid, gid int
	uname    string
	linkname string
	body     string
}

func writeTestTar(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		h := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Uid:      e.uid,
			Gid:      e.gid,
			Uname:    e.uname,
			Linkname: e.linkname,
			Size:     int64(len(e.body)),
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func readTestTar(t *testing.T, r io.Reader) []tarEntry {
	t.Helper()
	var out []tarEntry
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, tarEntry{
			name:     h.Name,
			typeflag: h.Typeflag,
			uid:      h.Uid,
			gid:      h.Gid,
			uname:    h.Uname,
			linkname: h.Linkname,
			body:     string(body),
		})
	}
}

func TestRewriteTarChownAndRename(t *testing.T) {
	in := writeTestTar(t, []tarEntry{
		{name: ".venv/", typeflag: tar.TypeDir, uname: "root"},
		{name: ".venv/bin/python", typeflag: tar.TypeReg, body: "#!"},
		{name: ".venv/bin/python3", typeflag: tar.TypeLink, linkname: ".venv/bin/python"},
		{name: ".venvx/keep", typeflag: tar.TypeReg},
	})

	owner := &tarOwner{uid: 1000, gid: 1000}
	var out bytes.Buffer
	if err := rewriteTar(&out, in, chain(renameRoot(".venv", "venv"), owner.apply)); err != nil {
		t.Fatalf("rewriteTar: %v", err)
	}

	got := readTestTar(t, &out)
	wantNames := []string{"venv/", "venv/bin/python", "venv/bin/python3", ".venvx/keep"}
	for i, e := range got {
		if e.name != wantNames[i] {
			t.Errorf("entry %d name = %q, want %q", i, e.name, wantNames[i])
		}
		if e.uid != 1000 || e.gid != 1000 {
			t.Errorf("entry %q owner = %d:%d, want 1000:1000", e.name, e.uid, e.gid)
		}
		if e.uname != "" {
			t.Errorf("entry %q uname = %q, want empty", e.name, e.uname)
		}
	}
	if got[2].linkname != "venv/bin/python" {
		t.Errorf("hard link target = %q, want venv/bin/python", got[2].linkname)
	}
	if got[1].body != "#!" {
		t.Errorf("body = %q, want #!", got[1].body)
	}
}

func TestRenameRootSameName(t *testing.T) {
	h := &tar.Header{Name: ".venv/bin"}
	renameRoot(".venv", ".venv")(h)
	if h.Name != ".venv/bin" {
		t.Fatalf("name = %q, want unchanged", h.Name)
	}
}

func TestNilOwnerIsRoot(t *testing.T) {
	var owner *tarOwner
	h := &tar.Header{Uid: 501, Gid: 20, Uname: "dev", Gname: "staff"}
	owner.apply(h)
	if h.Uid != 0 || h.Gid != 0 || h.Uname != "" || h.Gname != "" {
		t.Fatalf("header = %+v, want root owner without names", h)
	}
}

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func tarNames(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var names []string
	for _, e := range readTestTar(t, buf) {
		names = append(names, e.name)
	}
	return names
}

func TestWriteDirToTarFiltersContext(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"main.py",
		"pyproject.toml",
		"README.md",
		"notes.md",
		"pkg/__init__.py",
		"pkg/__pycache__/mod.cpython-312.pyc",
		".venv/bin/python",
		".git/HEAD",
		"dist/image.tar",
		"secrets/token",
	)
	if err := os.WriteFile(filepath.Join(root, IgnoreFile), []byte("# local\n*.md\n!README.md\nsecrets\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	filter, err := loadFilter(root, filepath.Join(root, "dist"), []string{"pyproject.toml"})
	if err != nil {
		t.Fatalf("loadFilter: %v", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeDirToTar(tw, root, "app", filter, nil); err != nil {
		t.Fatalf("writeDirToTar: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	names := tarNames(t, &buf)
	for _, want := range []string{"app", "app/main.py", "app/README.md", "app/pkg/__init__.py", "app/" + IgnoreFile} {
		if !slices.Contains(names, want) {
			t.Errorf("missing %q in %v", want, names)
		}
	}
	for _, unwanted := range []string{
		"app/notes.md",
		"app/pyproject.toml",
		"app/pkg/__pycache__",
		"app/.venv",
		"app/.git",
		"app/dist",
		"app/secrets",
		"app/secrets/token",
	} {
		if slices.Contains(names, unwanted) {
			t.Errorf("unexpected %q in %v", unwanted, names)
		}
	}
}

func TestWriteDirToTarOwnsByRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "main.py")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeDirToTar(tw, root, "src", nil, nil); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	for _, e := range readTestTar(t, &buf) {
		if e.uid != 0 || e.gid != 0 || e.uname != "" {
			t.Errorf("entry %q owner = %d:%d (%q), want 0:0", e.name, e.uid, e.gid, e.uname)
		}
	}
}

func TestLoadFilterMalformedPattern(t *testing.T) {
	if _, err := loadFilter(t.TempDir(), "", []string{"["}); !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
}

func TestWithin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		p    string
		rel  string
		want bool
	}{
		{root, ".", true},
		{filepath.Join(root, "dist"), "dist", true},
		{filepath.Dir(root), "", false},
		{filepath.Join(root, "..", "other"), "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		rel, ok := within(root, tt.p)
		if ok != tt.want || rel != tt.rel {
			t.Errorf("within(%q) = %q, %v, want %q, %v", tt.p, rel, ok, tt.rel, tt.want)
		}
	}
}

func TestSnapshotKey(t *testing.T) {
	tests := []struct {
		digest string
		want   string
	}{
		{"", "0123456789abcdef-linux-arm64-v8"},
		{"sha256:aabbccddeeff00112233", "0123456789abcdef-aabbccddeeff-linux-arm64-v8"},
		{"sha256:abc", "0123456789abcdef-abc-linux-arm64-v8"},
		{"nodigest", "0123456789abcdef-linux-arm64-v8"},
	}
	for _, tt := range tests {
		if got := snapshotKey("0123456789abcdef", tt.digest, "linux/arm64/v8"); got != tt.want {
			t.Errorf("snapshotKey(%q) = %q, want %q", tt.digest, got, tt.want)
		}
	}
}
