package build

import (
	"archive/tar"
	"errors"
	"io"
	"strings"
)

// Numeric owner applied to tar entries.
type tarOwner struct {
	uid int
	gid int
}

// Sets the entry's owner. A nil owner means root. Names are cleared so the
// target resolves ownership by id only.
func (o *tarOwner) apply(h *tar.Header) {
	h.Uid, h.Gid = 0, 0
	if o != nil {
		h.Uid, h.Gid = o.uid, o.gid
	}
	h.Uname, h.Gname = "", ""
}

// Copies the tar stream from r to w, passing every header through edit.
// Padding after the end-of-archive marker is read and discarded.
func rewriteTar(w io.Writer, r io.Reader, edit func(*tar.Header)) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return err
			}
			break
		}
		if err != nil {
			return err
		}

		edit(h)

		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	return tw.Close()
}

// Returns an edit replacing the leading path element from with to, in entry
// names and hard link targets. Other entries are left alone.
func renameRoot(from, to string) func(*tar.Header) {
	rename := func(name string) string {
		rest, found := strings.CutPrefix(name, from)
		if !found || (rest != "" && rest[0] != '/') {
			return name
		}
		return to + rest
	}

	return func(h *tar.Header) {
		if from == to {
			return
		}
		h.Name = rename(h.Name)
		if h.Typeflag == tar.TypeLink {
			h.Linkname = rename(h.Linkname)
		}
	}
}

// Returns an edit applying edits in order.
func chain(edits ...func(*tar.Header)) func(*tar.Header) {
	return func(h *tar.Header) {
		for _, edit := range edits {
			edit(h)
		}
	}
}
