package audit

import (
	"archive/tar"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/zerr"
)

// Whiteout markers of the OCI layer format.
const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// A layer entry reduced to what the rules look at.
type entry struct {
	path string // Absolute and clean.
	uid  int
	gid  int
	dir  bool
}

// Reports whether e only marks a deletion.
func (e entry) whiteout() bool {
	return strings.HasPrefix(path.Base(e.path), whiteoutPrefix)
}

// Returns an uncompressed reader for a layer of the given media type.
func decompress(mediaType string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(mediaType, "zstd"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case strings.HasSuffix(mediaType, "gzip"):
		return gzip.NewReader(r)
	case mediaType == ocispec.MediaTypeImageLayer, strings.HasSuffix(mediaType, ".tar"):
		return io.NopCloser(r), nil
	}
	return nil, fault.Wrapf(ErrArchive, "unsupported layer media type %q", mediaType)
}

// Lists the entries of a layer.
func scanLayer(a *archive, desc ocispec.Descriptor) ([]entry, error) {
	blob, err := a.blob(desc.Digest)
	if err != nil {
		return nil, err
	}

	rc, err := decompress(desc.MediaType, blob)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrArchive, err), "layer", desc.Digest.String())
	}
	defer rc.Close()

	var entries []entry
	tr := tar.NewReader(rc)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, zerr.With(fault.Wrap(ErrArchive, err), "layer", desc.Digest.String())
		}
		entries = append(entries, entry{
			path: cleanPath(h.Name),
			uid:  h.Uid,
			gid:  h.Gid,
			dir:  h.Typeflag == tar.TypeDir,
		})
	}
}

// Returns the absolute form of a layer entry name.
func cleanPath(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "./"))
}

// A file in the merged filesystem.
type file struct {
	uid   int
	gid   int
	dir   bool
	layer int
}

// The filesystem an image presents, after applying its layers in order.
type filesystem map[string]file

// Applies layers bottom to top, honouring whiteouts.
func merge(layers [][]entry) filesystem {
	fs := make(filesystem)
	for i, entries := range layers {
		for _, e := range entries {
			dir, base := path.Split(e.path)
			dir = path.Clean(dir)

			switch {
			case base == whiteoutOpaque:
				for p, f := range fs {
					if f.layer < i && isBelow(p, dir) {
						delete(fs, p)
					}
				}
			case strings.HasPrefix(base, whiteoutPrefix):
				fs.remove(path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
			default:
				fs[e.path] = file{uid: e.uid, gid: e.gid, dir: e.dir, layer: i}
			}
		}
	}
	return fs
}

// Removes p and everything below it.
func (fs filesystem) remove(p string) {
	for q := range fs {
		if q == p || isBelow(q, p) {
			delete(fs, q)
		}
	}
}

// Reports whether p or anything below it exists.
func (fs filesystem) has(p string) bool {
	for q := range fs {
		if q == p || isBelow(q, p) {
			return true
		}
	}
	return false
}

// Reports whether p lies strictly below dir.
func isBelow(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}
