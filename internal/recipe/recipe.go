package recipe

import (
	"io"

	"github.com/cruciblehq/uvimage/internal/fault"
	"gopkg.in/yaml.v3"
)

// An ordered list of stages and the configuration of the exported image.
type Recipe struct {
	Name   string      `yaml:"name"`
	Stages []Stage     `yaml:"stages"`
	Image  ImageConfig `yaml:"image"`
}

// A container started from a base image in which steps execute.
//
// Transient stages exist only to feed later stages through cross-stage
// copies. Exactly one stage is not transient; it becomes the image.
type Stage struct {
	Name      string  `yaml:"name"`
	From      string  `yaml:"from"`
	Transient bool    `yaml:"transient,omitempty"`
	Mounts    []Mount `yaml:"mounts,omitempty"`
	Steps     []Step  `yaml:"steps"`
}

// A host directory bind-mounted into a stage container. Mounted content is
// never part of the container's snapshot.
type Mount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Classifies step failures.
type Phase string

const (
	PhaseResolve  Phase = "resolve"  // Dependency resolution against the lock.
	PhaseInstall  Phase = "install"  // Project installation.
	PhaseAssemble Phase = "assemble" // Runtime image assembly.
)

// A single build instruction.
//
// At most one of Run, Copy or Steps is set. A step with none of them is a
// standalone modifier whose fields persist for the rest of the stage. On an
// operation the same fields apply to that operation only.
type Step struct {
	Run      string            `yaml:"run,omitempty"`
	Copy     string            `yaml:"copy,omitempty"`  // "src dest" or "stage:src dest".
	Chown    string            `yaml:"chown,omitempty"` // "uid:gid" applied to copied entries.
	Shell    string            `yaml:"shell,omitempty"`
	Workdir  string            `yaml:"workdir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	User     string            `yaml:"user,omitempty"` // "uid:gid" of the executing process.
	Phase    Phase             `yaml:"phase,omitempty"`
	Snapshot *Snapshot         `yaml:"snapshot,omitempty"`
	Steps    []Step            `yaml:"steps,omitempty"`
}

// Returns true for run and copy steps.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Returns true for steps holding nested steps.
func (s Step) IsGroup() bool {
	return len(s.Steps) > 0
}

// Marks a group whose effect on Path depends only on Key.
//
// When a tree for Key was stored by an earlier build, the group is skipped
// and the tree restored instead.
type Snapshot struct {
	Key  string `yaml:"key"`
	Path string `yaml:"path"`
}

// Configuration written into the exported image.
type ImageConfig struct {
	User         string            `yaml:"user"`
	WorkingDir   string            `yaml:"workdir"`
	Env          map[string]string `yaml:"env,omitempty"`
	PathPrepend  []string          `yaml:"path_prepend,omitempty"` // Placed in front of the base image's PATH.
	ExposedPorts []string          `yaml:"exposed_ports"`          // "8000/tcp".
	Entrypoint   []string          `yaml:"entrypoint,omitempty"`   // Replaces the base entrypoint, cleared when empty.
	Cmd          []string          `yaml:"cmd"`
	Labels       map[string]string `yaml:"labels,omitempty"`
}

// Returns the non-transient stage, or nil.
func (r *Recipe) Final() *Stage {
	for i := range r.Stages {
		if !r.Stages[i].Transient {
			return &r.Stages[i]
		}
	}
	return nil
}

// Writes the recipe as YAML.
func (r *Recipe) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fault.Wrap(ErrInvalid, err)
	}
	return enc.Close()
}

// Reads a recipe from YAML.
func Decode(r io.Reader) (*Recipe, error) {
	var rec Recipe
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil {
		return nil, fault.Wrap(ErrInvalid, err)
	}
	return &rec, nil
}
