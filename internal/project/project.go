package project

import (
	"os"
	"path/filepath"

	"github.com/cruciblehq/uvimage/internal/fault"
	"go.trai.ch/zerr"
)

// A project directory with its manifest and lock file.
//
// The raw bytes of both files are retained because they, and nothing else in
// the tree, determine the dependency-only environment.
type Project struct {
	Dir      string
	Manifest *Manifest
	Lock     *Lock

	manifestData []byte
	lockData     []byte
}

// Loads the project rooted at dir.
func Load(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fault.Wrap(ErrManifest, err)
	}

	p := &Project{Dir: abs}

	if p.manifestData, err = readFile(abs, ManifestFile, ErrManifest); err != nil {
		return nil, err
	}
	if p.lockData, err = readFile(abs, LockFile, ErrLock); err != nil {
		return nil, err
	}

	if p.Manifest, err = ParseManifest(p.manifestData); err != nil {
		return nil, zerr.With(err, "path", filepath.Join(abs, ManifestFile))
	}
	if p.Lock, err = ParseLock(p.lockData); err != nil {
		return nil, zerr.With(err, "path", filepath.Join(abs, LockFile))
	}

	return p, nil
}

// Checks that the lock file matches the manifest.
func (p *Project) Verify() error {
	return Verify(p.Manifest, p.Lock)
}

// Returns the cache key of the project's dependency-only environment.
func (p *Project) Fingerprint(extra ...string) string {
	return Fingerprint(p.manifestData, p.lockData, extra...)
}

func readFile(dir, name string, sentinel error) ([]byte, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(fault.Wrap(sentinel, err), "path", path)
	}
	return data, nil
}
