package project

import (
	"os"
	"slices"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/pelletier/go-toml/v2"
	"go.trai.ch/zerr"
)

// File name of the uv lock file.
const LockFile = "uv.lock"

// A parsed uv.lock file.
type Lock struct {
	Version        int       `toml:"version"`
	Revision       int       `toml:"revision"`
	RequiresPython string    `toml:"requires-python"`
	Packages       []Package `toml:"package"`
}

// A locked package.
type Package struct {
	Name         string       `toml:"name"`
	Version      string       `toml:"version"`
	Source       Source       `toml:"source"`
	Dependencies []Dependency `toml:"dependencies"`
	Metadata     *Metadata    `toml:"metadata"`
}

// Where a locked package comes from. Exactly one field is set.
type Source struct {
	Registry  string `toml:"registry"`
	Virtual   string `toml:"virtual"`
	Editable  string `toml:"editable"`
	Directory string `toml:"directory"`
	Path      string `toml:"path"`
	Git       string `toml:"git"`
	URL       string `toml:"url"`
}

// Returns true for packages that live in the project tree rather than an
// index or remote location.
func (s Source) IsLocal() bool {
	return s.Virtual != "" || s.Editable != "" || s.Directory != ""
}

// An edge of the locked dependency graph.
type Dependency struct {
	Name   string   `toml:"name"`
	Extra  []string `toml:"extra"`
	Marker string   `toml:"marker"`
}

// Requirements a local package was locked against.
type Metadata struct {
	RequiresDist []LockedRequirement            `toml:"requires-dist"`
	RequiresDev  map[string][]LockedRequirement `toml:"requires-dev"`
}

// A requirement as uv records it in package metadata.
type LockedRequirement struct {
	Name      string   `toml:"name"`
	Extras    []string `toml:"extras"`
	Specifier string   `toml:"specifier"`
	Marker    string   `toml:"marker"`
	URL       string   `toml:"url"`
	Git       string   `toml:"git"`
	Path      string   `toml:"path"`
	Directory string   `toml:"directory"`
	Editable  string   `toml:"editable"`
	Index     string   `toml:"index"`
}

// Converts the locked form into a comparable [Requirement].
func (lr LockedRequirement) Requirement() (Requirement, error) {
	spec, err := CanonicalSpecifier(lr.Specifier)
	if err != nil {
		return Requirement{}, err
	}

	r := Requirement{
		Name:      NormalizeName(lr.Name),
		Specifier: spec,
		Marker:    canonicalMarker(lr.Marker),
		URL:       firstNonEmpty(lr.URL, lr.Git),
	}
	for _, e := range lr.Extras {
		r.Extras = append(r.Extras, NormalizeName(e))
	}
	slices.Sort(r.Extras)
	r.Extras = slices.Compact(r.Extras)

	return r, nil
}

// Reads and parses a uv.lock file.
func LoadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrLock, err), "path", path)
	}

	l, err := ParseLock(data)
	if err != nil {
		return nil, zerr.With(err, "path", path)
	}
	return l, nil
}

// Parses the contents of a uv.lock file.
func ParseLock(data []byte) (*Lock, error) {
	var l Lock
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fault.Wrap(ErrLock, err)
	}
	if l.Version == 0 {
		return nil, fault.Wrapf(ErrLock, "missing lock version")
	}
	return &l, nil
}

// Returns the local package with the given name, or nil.
func (l *Lock) Root(name string) *Package {
	name = NormalizeName(name)
	for i := range l.Packages {
		p := &l.Packages[i]
		if NormalizeName(p.Name) == name && p.Source.IsLocal() {
			return p
		}
	}
	return nil
}

// Returns every locked version of the named package. A universal lock may
// hold more than one version of a package when markers fork the resolution.
func (l *Lock) Versions(name string) []string {
	name = NormalizeName(name)
	var versions []string
	for _, p := range l.Packages {
		if NormalizeName(p.Name) == name {
			versions = append(versions, p.Version)
		}
	}
	return versions
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
