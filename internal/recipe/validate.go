package recipe

import (
	"errors"
	"fmt"
	"path"

	"github.com/cruciblehq/uvimage/internal/fault"
)

// Checks the structural rules the build relies on. All problems are reported.
//
// Stage names are unique and non-empty, every stage has a base image, exactly
// one stage is exported, cross-stage copies only read from earlier stages,
// and every step is one of operation, group or modifier.
func (r *Recipe) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fault.Wrapf(ErrInvalid, format, args...))
	}

	if len(r.Stages) == 0 {
		fail("no stages")
	}

	seen := make(map[string]bool, len(r.Stages))
	exported := 0

	for i, stage := range r.Stages {
		label := stageLabel(stage.Name, i)

		if stage.Name == "" {
			fail("stage %s: name is required", label)
		} else if seen[stage.Name] {
			fail("stage %s: duplicate name", label)
		}
		if stage.From == "" {
			fail("stage %s: base image is required", label)
		}
		if !stage.Transient {
			exported++
		}
		for _, m := range stage.Mounts {
			if m.Source == "" || !path.IsAbs(m.Target) {
				fail("stage %s: mount %q -> %q needs a source and an absolute target", label, m.Source, m.Target)
			}
		}

		for j, step := range stage.Steps {
			for _, err := range validateStep(step, seen) {
				errs = append(errs, fmt.Errorf("stage %s, step %d: %w", label, j+1, err))
			}
		}

		seen[stage.Name] = true
	}

	if len(r.Stages) > 0 && exported != 1 {
		fail("exactly one non-transient stage is required, found %d", exported)
	}

	return errors.Join(errs...)
}

// Checks one step, recursing into groups. Stages in earlier holds the stages
// declared before the current one.
func validateStep(step Step, earlier map[string]bool) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fault.Wrapf(ErrInvalid, format, args...))
	}

	if step.Run != "" && step.Copy != "" {
		fail("run and copy are mutually exclusive")
	}
	if step.IsOperation() && step.IsGroup() {
		fail("an operation cannot hold nested steps")
	}
	if step.Chown != "" {
		if step.Copy == "" {
			fail("chown requires copy")
		} else if _, _, err := ParseOwner(step.Chown); err != nil {
			errs = append(errs, fault.Wrap(ErrInvalid, err))
		}
	}
	if step.User != "" {
		if _, _, err := ParseOwner(step.User); err != nil {
			errs = append(errs, fault.Wrap(ErrInvalid, err))
		}
	}
	if step.Snapshot != nil {
		if !step.IsGroup() {
			fail("snapshot requires nested steps")
		}
		if step.Snapshot.Key == "" || !path.IsAbs(step.Snapshot.Path) {
			fail("snapshot needs a key and an absolute path")
		}
	}
	switch step.Phase {
	case "", PhaseResolve, PhaseInstall, PhaseAssemble:
	default:
		fail("unknown phase %q", step.Phase)
	}

	if step.Copy != "" {
		// Workdir only matters for relative destinations, checked at build time.
		src, _, err := ParseCopy(step.Copy, "/")
		if err != nil {
			errs = append(errs, fault.Wrap(ErrInvalid, err))
		} else if stage, _, ok := ParseStageSource(src); ok && !earlier[stage] {
			fail("copy from %q, which is not an earlier stage", stage)
		}
	}

	for i, child := range step.Steps {
		for _, err := range validateStep(child, earlier) {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
		}
	}

	return errs
}

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func stageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
