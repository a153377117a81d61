package project

import (
	"maps"
	"os"
	"slices"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/pelletier/go-toml/v2"
	"go.trai.ch/zerr"
)

// File name of the project manifest.
const ManifestFile = "pyproject.toml"

// The [project] table of pyproject.toml and the dependency groups uv installs
// by default.
type Manifest struct {
	Name           string
	Version        string
	RequiresPython string                   // Canonical specifier.
	Dependencies   []Requirement            // [project] dependencies.
	Optional       map[string][]Requirement // [project.optional-dependencies], keyed by extra.
	Groups         map[string][]Requirement // [dependency-groups], keyed by group.
}

type pyproject struct {
	Project struct {
		Name                 string              `toml:"name"`
		Version              string              `toml:"version"`
		RequiresPython       string              `toml:"requires-python"`
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	DependencyGroups map[string][]any `toml:"dependency-groups"`
}

// Reads and parses a pyproject.toml file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrManifest, err), "path", path)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, zerr.With(err, "path", path)
	}
	return m, nil
}

// Parses the contents of a pyproject.toml file.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc pyproject
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(ErrManifest, err)
	}

	if doc.Project.Name == "" {
		return nil, fault.Wrapf(ErrManifest, "missing [project] name")
	}

	rp, err := CanonicalSpecifier(doc.Project.RequiresPython)
	if err != nil {
		return nil, fault.Wrapf(ErrManifest, "requires-python: %w", err)
	}

	m := &Manifest{
		Name:           NormalizeName(doc.Project.Name),
		Version:        doc.Project.Version,
		RequiresPython: rp,
	}

	if m.Dependencies, err = parseRequirements(doc.Project.Dependencies); err != nil {
		return nil, fault.Wrapf(ErrManifest, "dependencies: %w", err)
	}

	if len(doc.Project.OptionalDependencies) > 0 {
		m.Optional = make(map[string][]Requirement, len(doc.Project.OptionalDependencies))
		for extra, specs := range doc.Project.OptionalDependencies {
			reqs, err := parseRequirements(specs)
			if err != nil {
				return nil, fault.Wrapf(ErrManifest, "optional-dependencies.%s: %w", extra, err)
			}
			m.Optional[NormalizeName(extra)] = reqs
		}
	}

	if len(doc.DependencyGroups) > 0 {
		if m.Groups, err = expandGroups(doc.DependencyGroups); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Returns every requirement uv resolves for the project's root package:
// dependencies plus optional dependencies, the latter gated on their extra.
func (m *Manifest) RequiresDist() []Requirement {
	out := append([]Requirement(nil), m.Dependencies...)
	for extra, reqs := range m.Optional {
		for _, r := range reqs {
			r.Marker = withExtra(r.Marker, extra)
			out = append(out, r)
		}
	}
	return out
}

func withExtra(marker, extra string) string {
	clause := "extra == '" + extra + "'"
	if marker == "" {
		return clause
	}
	return marker + " and " + clause
}

// Parses every dependency group, replacing {include-group = "..."} tables
// with the requirements of the named group the way uv does when locking.
func expandGroups(raw map[string][]any) (map[string][]Requirement, error) {
	entries := make(map[string][]any, len(raw))
	for group, e := range raw {
		entries[NormalizeName(group)] = e
	}

	groups := make(map[string][]Requirement, len(entries))
	visiting := make(map[string]bool)

	var expand func(group string) ([]Requirement, error)
	expand = func(group string) ([]Requirement, error) {
		if reqs, ok := groups[group]; ok {
			return reqs, nil
		}
		if visiting[group] {
			return nil, fault.Wrapf(ErrManifest, "dependency-groups.%s: include cycle", group)
		}
		visiting[group] = true
		defer delete(visiting, group)

		reqs := []Requirement{}
		for _, e := range entries[group] {
			switch e := e.(type) {
			case string:
				r, err := ParseRequirement(e)
				if err != nil {
					return nil, fault.Wrapf(ErrManifest, "dependency-groups.%s: %w", group, err)
				}
				reqs = append(reqs, r)
			case map[string]any:
				name, ok := e["include-group"].(string)
				if !ok {
					return nil, fault.Wrapf(ErrManifest, "dependency-groups.%s: unsupported table entry", group)
				}
				name = NormalizeName(name)
				if _, ok := entries[name]; !ok {
					return nil, fault.Wrapf(ErrManifest, "dependency-groups.%s: includes unknown group %q", group, name)
				}
				included, err := expand(name)
				if err != nil {
					return nil, err
				}
				reqs = append(reqs, included...)
			default:
				return nil, fault.Wrapf(ErrManifest, "dependency-groups.%s: unsupported entry %v", group, e)
			}
		}
		groups[group] = reqs
		return reqs, nil
	}

	for _, group := range slices.Sorted(maps.Keys(entries)) {
		if _, err := expand(group); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func parseRequirements(specs []string) ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}
