package project

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"go.trai.ch/zerr"
)

// Checks that lock was resolved from manifest.
//
// This mirrors the "--locked" check uv performs during sync, so an
// inconsistent pair is rejected before any container is created. Every
// mismatch is reported; each one matches [ErrLockMismatch].
func Verify(manifest *Manifest, lock *Lock) error {
	root := lock.Root(manifest.Name)
	if root == nil {
		return zerr.With(
			fault.Wrapf(ErrLockMismatch, "lock has no root package %q", manifest.Name),
			"project", manifest.Name,
		)
	}

	var errs []error
	mismatch := func(format string, args ...any) {
		errs = append(errs, zerr.With(fault.Wrapf(ErrLockMismatch, format, args...), "project", manifest.Name))
	}

	if manifest.RequiresPython != "" {
		locked, err := CanonicalSpecifier(lock.RequiresPython)
		if err != nil || locked != manifest.RequiresPython {
			mismatch("requires-python %q is locked as %q", manifest.RequiresPython, lock.RequiresPython)
		}
	}

	var meta Metadata
	if root.Metadata != nil {
		meta = *root.Metadata
	}

	declared := manifest.RequiresDist()
	if err := compareSets("dependencies", declared, meta.RequiresDist); err != nil {
		errs = append(errs, zerr.With(err, "project", manifest.Name))
	}

	for _, group := range slices.Sorted(maps.Keys(manifest.Groups)) {
		reqs := manifest.Groups[group]
		declared = append(declared, reqs...)
		if err := compareSets("dependency group "+group, reqs, meta.RequiresDev[group]); err != nil {
			errs = append(errs, zerr.With(err, "project", manifest.Name))
		}
	}
	for _, group := range slices.Sorted(maps.Keys(meta.RequiresDev)) {
		if _, ok := manifest.Groups[group]; !ok && len(meta.RequiresDev[group]) > 0 {
			mismatch("dependency group %s is locked but not declared", group)
		}
	}

	for _, req := range declared {
		versions := lock.Versions(req.Name)
		if len(versions) == 0 {
			mismatch("%s is not resolved in the lock", req.Name)
			continue
		}
		if pin, ok := req.Pin(); ok && !slices.ContainsFunc(versions, func(v string) bool { return SameVersion(v, pin) }) {
			mismatch("%s requires ==%s but the lock pins %s", req.Name, pin, strings.Join(versions, ", "))
		}
	}

	return errors.Join(errs...)
}

// Reports requirements present on only one side.
func compareSets(what string, declared []Requirement, locked []LockedRequirement) error {
	want := make(map[string]Requirement, len(declared))
	for _, r := range declared {
		want[r.key()] = r
	}

	have := make(map[string]Requirement, len(locked))
	for _, lr := range locked {
		r, err := lr.Requirement()
		if err != nil {
			return fault.Wrapf(ErrLockMismatch, "%s: locked requirement %s: %w", what, lr.Name, err)
		}
		have[r.key()] = r
	}

	var added, removed []string
	for k, r := range want {
		if _, ok := have[k]; !ok {
			added = append(added, r.String())
		}
	}
	for k, r := range have {
		if _, ok := want[k]; !ok {
			removed = append(removed, r.String())
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	slices.Sort(added)
	slices.Sort(removed)
	return zerr.With(zerr.With(
		fault.Wrapf(ErrLockMismatch, "%s changed since the lock was written", what),
		"declared", strings.Join(added, "; ")),
		"locked", strings.Join(removed, "; "),
	)
}
