package audit

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/opencontainers/go-digest"
	"go.trai.ch/zerr"
)

// An OCI archive opened for random access.
//
// Members are located once; blobs are then read through section readers, so
// layers can be scanned concurrently.
type archive struct {
	f       *os.File
	members map[string]*io.SectionReader
}

// Tracks how far a tar reader has consumed its input.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Indexes the regular files of the tar archive at p.
func openArchive(p string) (*archive, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrArchive, err), "path", p)
	}

	a := &archive{f: f, members: make(map[string]*io.SectionReader)}
	cr := &countingReader{r: f}
	tr := tar.NewReader(cr)

	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, zerr.With(fault.Wrap(ErrArchive, err), "path", p)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		// The tar reader leaves its input at the start of the member's data.
		a.members[path.Clean(h.Name)] = io.NewSectionReader(f, cr.n, h.Size)
	}

	return a, nil
}

func (a *archive) Close() error {
	return a.f.Close()
}

// Returns the member called name.
func (a *archive) member(name string) (*io.SectionReader, error) {
	m, ok := a.members[name]
	if !ok {
		return nil, zerr.With(fault.Wrapf(ErrArchive, "missing %s", name), "member", name)
	}
	return io.NewSectionReader(m, 0, m.Size()), nil
}

// Returns the blob with digest d.
func (a *archive) blob(d digest.Digest) (*io.SectionReader, error) {
	if err := d.Validate(); err != nil {
		return nil, fault.Wrap(ErrArchive, err)
	}
	return a.member(path.Join("blobs", d.Algorithm().String(), d.Encoded()))
}

// Decodes the JSON blob with digest d into v after checking its content
// against d.
func (a *archive) readJSON(d digest.Digest, v any) error {
	r, err := a.blob(d)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fault.Wrap(ErrArchive, err)
	}
	if got := d.Algorithm().FromBytes(data); got != d {
		return zerr.With(fault.Wrapf(ErrArchive, "blob %s has digest %s", d, got), "digest", d.String())
	}

	if err := json.Unmarshal(data, v); err != nil {
		return zerr.With(fault.Wrap(ErrArchive, err), "digest", d.String())
	}
	return nil
}

// Decodes the member called name into v.
func (a *archive) readMember(name string, v any) error {
	r, err := a.member(name)
	if err != nil {
		return err
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return zerr.With(fault.Wrap(ErrArchive, err), "member", name)
	}
	return nil
}
