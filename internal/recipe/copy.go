package recipe

import (
	"path"
	"strconv"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
)

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir.
func ParseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fault.Wrapf(ErrCopy, "expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fault.Wrapf(ErrCopy, "relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns the stage name, the path within the stage, and true if the source
// matches the cross-stage format. Returns false if it is a regular host path.
func ParseStageSource(src string) (stage, p string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	// A colon after a path separator is not a stage prefix (e.g. "/foo:bar").
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}

// Parses a numeric "uid:gid" pair. A bare "uid" uses the same value for gid.
func ParseOwner(s string) (uid, gid uint32, err error) {
	u, g, found := strings.Cut(s, ":")
	if !found {
		g = u
	}

	uv, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fault.Wrapf(ErrCopy, "owner %q: uid must be numeric", s)
	}
	gv, err := strconv.ParseUint(g, 10, 32)
	if err != nil {
		return 0, 0, fault.Wrapf(ErrCopy, "owner %q: gid must be numeric", s)
	}

	return uint32(uv), uint32(gv), nil
}
